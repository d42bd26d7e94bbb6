package grpcserver

// GrantRequest credits an account outside of any render.
type GrantRequest struct {
	UserID         string            `json:"userId"`
	Credits        string            `json:"credits"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// GrantResponse reports the committed grant.
type GrantResponse struct {
	TransactionID string `json:"transactionId"`
	Balance       string `json:"balance"`
}

// BalanceRequest identifies the account to read.
type BalanceRequest struct {
	UserID string `json:"userId"`
}

// BalanceResponse is the stored balance.
type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance string `json:"balance"`
	Version int64  `json:"version"`
}

// ListTransactionsRequest pages through an account's credit log.
type ListTransactionsRequest struct {
	UserID        string `json:"userId"`
	RenderID      string `json:"renderId,omitempty"`
	BeforeUnixUTC int64  `json:"beforeUnixUtc,omitempty"`
	Limit         int32  `json:"limit,omitempty"`
}

// ListTransactionsResponse holds transactions newest first.
type ListTransactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

// Transaction is the wire form of ledger.Transaction.
type Transaction struct {
	TransactionID  string            `json:"transactionId"`
	UserID         string            `json:"userId"`
	RenderID       string            `json:"renderId,omitempty"`
	Credits        string            `json:"credits"`
	Direction      string            `json:"direction"`
	Reason         string            `json:"reason"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	CreatedUnixUTC int64             `json:"createdUnixUtc"`
}

// ReconcileRequest identifies the account to check.
type ReconcileRequest struct {
	UserID string `json:"userId"`
}

// ReconcileResponse compares the balance with the transaction sum.
type ReconcileResponse struct {
	UserID     string `json:"userId"`
	Balance    string `json:"balance"`
	LedgerSum  string `json:"ledgerSum"`
	Consistent bool   `json:"consistent"`
}
