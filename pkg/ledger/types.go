package ledger

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var snakeCasePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Credits is a non-negative quantity of credits with six decimal places.
type Credits struct {
	value decimal.Decimal
}

// NewCredits validates a credit quantity.
func NewCredits(value decimal.Decimal) (Credits, error) {
	if value.IsNegative() {
		return Credits{}, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits{value: value.Round(creditsScale)}, nil
}

// ParseCredits parses a decimal string such as "2.5".
func ParseCredits(raw string) (Credits, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Credits{}, fmt.Errorf("%w: %v", ErrInvalidCredits, err)
	}
	return NewCredits(value)
}

// CreditsFromFloat converts a float quantity, rejecting negatives.
func CreditsFromFloat(raw float64) (Credits, error) {
	return NewCredits(decimal.NewFromFloat(raw))
}

// ClampCredits converts any decimal into Credits, mapping negatives to zero.
func ClampCredits(value decimal.Decimal) Credits {
	if value.IsNegative() {
		return Credits{}
	}
	return Credits{value: value.Round(creditsScale)}
}

// Decimal returns the underlying decimal value.
func (credits Credits) Decimal() decimal.Decimal {
	return credits.value
}

// IsZero reports whether the quantity is zero.
func (credits Credits) IsZero() bool {
	return credits.value.IsZero()
}

// Equal compares two quantities by value.
func (credits Credits) Equal(other Credits) bool {
	return credits.value.Equal(other.value)
}

// Float64 returns the nearest float representation.
func (credits Credits) Float64() float64 {
	result, _ := credits.value.Float64()
	return result
}

// String returns the canonical decimal representation.
func (credits Credits) String() string {
	return credits.value.String()
}

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// RenderID identifies a render whose reservation the ledger tracks.
type RenderID struct {
	value string
}

// NewRenderID validates and normalizes a render id.
func NewRenderID(raw string) (RenderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RenderID{}, fmt.Errorf("%w: empty value", ErrInvalidRenderID)
	}
	return RenderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RenderID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id RenderID) IsZero() bool {
	return id.value == ""
}

// IdempotencyKey scopes duplicate detection for grants.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// Reason is a snake_case label describing why a transaction was written,
// e.g. "image_render_reservation".
type Reason struct {
	value string
}

// NewReason validates a reason label.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if !snakeCasePattern.MatchString(trimmed) {
		return Reason{}, fmt.Errorf("%w: %q must be snake_case", ErrInvalidReason, raw)
	}
	return Reason{value: trimmed}, nil
}

// String returns the reason label.
func (reason Reason) String() string {
	return reason.value
}

// Known metadata keys. Callers may add others as long as they are snake_case.
const (
	MetadataKeyProjectID         = "project_id"
	MetadataKeyJobID             = "job_id"
	MetadataKeyAssetURL          = "asset_url"
	MetadataKeyTotalTokens       = "total_tokens"
	MetadataKeyEstimatedCredits  = "estimated_credits"
	MetadataKeyError             = "error"
	MetadataKeyCheckoutSessionID = "checkout_session_id"
	MetadataKeySource            = "source"
	MetadataKeyRenderType        = "render_type"
)

// Metadata is a flat string map attached to transactions and usage events.
type Metadata map[string]string

// NewMetadata validates metadata keys and copies the map.
func NewMetadata(values map[string]string) (Metadata, error) {
	metadata := make(Metadata, len(values))
	for key, value := range values {
		if !snakeCasePattern.MatchString(key) {
			return nil, fmt.Errorf("%w: key %q must be snake_case", ErrInvalidMetadata, key)
		}
		metadata[key] = value
	}
	return metadata, nil
}

// With returns a copy of metadata with the given key set.
func (metadata Metadata) With(key string, value string) Metadata {
	copied := make(Metadata, len(metadata)+1)
	for existingKey, existingValue := range metadata {
		copied[existingKey] = existingValue
	}
	copied[key] = value
	return copied
}

// Keys returns the metadata keys in sorted order.
func (metadata Metadata) Keys() []string {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Direction is the sign of a transaction relative to the account balance.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// ParseDirection validates a stored direction value.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(raw))) {
	case DirectionDebit:
		return DirectionDebit, nil
	case DirectionCredit:
		return DirectionCredit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// String returns the direction label.
func (direction Direction) String() string {
	return string(direction)
}

// Account is the balance view of a user.
type Account struct {
	ID        AccountID
	Balance   decimal.Decimal
	Version   int64
	CreatedAt time.Time
}

// RenderState is the ledger-owned slice of a render row.
type RenderState struct {
	RenderID         RenderID
	AccountID        AccountID
	ReservedCredits  Credits
	CreditsFinalized bool
	Version          int64
}

// Transaction is a single immutable line in the credit log.
type Transaction struct {
	ID             string
	AccountID      AccountID
	RenderID       RenderID
	Amount         Credits
	Direction      Direction
	Reason         Reason
	Metadata       Metadata
	IdempotencyKey IdempotencyKey
	CreatedAt      time.Time
}

// Signed returns the amount as it affects the balance.
func (transaction Transaction) Signed() decimal.Decimal {
	if transaction.Direction == DirectionDebit {
		return transaction.Amount.Decimal().Neg()
	}
	return transaction.Amount.Decimal()
}

// Result is the committed state after a ledger operation. Delta is the
// change applied to the balance; Applied is false for no-ops.
type Result struct {
	Account     Account
	Render      RenderState
	Transaction *Transaction
	Delta       decimal.Decimal
	Applied     bool
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	AccountID AccountID
	RenderID  RenderID
	Before    time.Time
	Limit     int
}

// Reconciliation compares the stored balance with the transaction log.
type Reconciliation struct {
	AccountID  AccountID
	Balance    decimal.Decimal
	LedgerSum  decimal.Decimal
	Consistent bool
}
