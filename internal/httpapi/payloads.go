package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
)

type imageRenderRequest struct {
	ProjectID      string            `json:"projectId"`
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negativePrompt"`
	AspectRatio    string            `json:"aspectRatio"`
	BrandSettings  map[string]string `json:"brandSettings"`
	AssetURLs      []string          `json:"assetUrls"`
}

type videoRenderRequest struct {
	ProjectID       string `json:"projectId"`
	Type            string `json:"type"`
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspectRatio"`
	DurationSeconds int    `json:"durationSeconds"`
	SourceRenderID  string `json:"sourceRenderId"`
}

type walletPayload struct {
	Balance      string               `json:"balance"`
	Transactions []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID  string            `json:"transaction_id"`
	RenderID       string            `json:"render_id,omitempty"`
	Credits        string            `json:"credits"`
	Direction      string            `json:"direction"`
	Reason         string            `json:"reason"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedUnixUTC int64             `json:"created_unix_utc"`
}

type renderPayload struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"projectId"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	ReservedCredits  string          `json:"reservedCredits"`
	CreditsFinalized bool            `json:"creditsFinalized"`
	EstimatedCredits *string         `json:"estimatedCredits,omitempty"`
	CostInCredits    *string         `json:"costInCredits,omitempty"`
	ProviderJobID    string          `json:"providerJobId,omitempty"`
	AssetURL         string          `json:"assetUrl,omitempty"`
	WatermarkURL     string          `json:"watermarkUrl,omitempty"`
	Error            string          `json:"error,omitempty"`
	UsageMetadata    json.RawMessage `json:"usageMetadata,omitempty"`
	CreatedUnixUTC   int64           `json:"createdUnixUtc"`
	UpdatedUnixUTC   int64           `json:"updatedUnixUtc"`
}

func newWalletPayload(account ledger.Account, transactions []ledger.Transaction) walletPayload {
	payload := walletPayload{
		Balance:      account.Balance.String(),
		Transactions: make([]transactionPayload, 0, len(transactions)),
	}
	for _, transaction := range transactions {
		payload.Transactions = append(payload.Transactions, transactionPayload{
			TransactionID:  transaction.ID,
			RenderID:       transaction.RenderID.String(),
			Credits:        transaction.Amount.String(),
			Direction:      transaction.Direction.String(),
			Reason:         transaction.Reason.String(),
			Metadata:       transaction.Metadata,
			CreatedUnixUTC: transaction.CreatedAt.UTC().Unix(),
		})
	}
	return payload
}

func newRenderPayload(item render.Render) renderPayload {
	return renderPayload{
		ID:               item.ID,
		ProjectID:        item.ProjectID,
		Type:             string(item.Kind),
		Status:           string(item.Status),
		ReservedCredits:  item.ReservedCredits.String(),
		CreditsFinalized: item.CreditsFinalized,
		EstimatedCredits: optionalCredits(item.EstimatedCredits),
		CostInCredits:    optionalCredits(item.FinalCostCredits),
		ProviderJobID:    item.ProviderJobID,
		AssetURL:         item.OutputAssetURL,
		WatermarkURL:     item.WatermarkURL,
		Error:            item.Error,
		UsageMetadata:    item.UsageMetadata,
		CreatedUnixUTC:   item.CreatedAt.UTC().Unix(),
		UpdatedUnixUTC:   item.UpdatedAt.UTC().Unix(),
	}
}

func optionalCredits(credits *ledger.Credits) *string {
	if credits == nil {
		return nil
	}
	value := credits.String()
	return &value
}
