package render

import (
	"fmt"
	"mime"
	"strings"

	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const defaultImageExtension = "png"

// Reserves are the default credit holds placed per render kind.
type Reserves struct {
	Image        ledger.Credits
	VideoPreview ledger.Credits
	VideoFinal   ledger.Credits
}

// DefaultReserves returns 1 credit for images, 3 for previews and 6 for
// final videos.
func DefaultReserves() Reserves {
	return Reserves{
		Image:        ledger.ClampCredits(decimal.NewFromInt(1)),
		VideoPreview: ledger.ClampCredits(decimal.NewFromInt(3)),
		VideoFinal:   ledger.ClampCredits(decimal.NewFromInt(6)),
	}
}

// For returns the reserve for kind.
func (reserves Reserves) For(kind Kind) ledger.Credits {
	switch kind {
	case KindVideoPreview:
		return reserves.VideoPreview
	case KindVideoFinal:
		return reserves.VideoFinal
	default:
		return reserves.Image
	}
}

// Config tunes pricing for the orchestrator.
type Config struct {
	Reserves             Reserves
	ImageCostPer1KTokens decimal.Decimal
}

// DefaultConfig returns the default reserves with token pricing disabled.
func DefaultConfig() Config {
	return Config{Reserves: DefaultReserves(), ImageCostPer1KTokens: decimal.Zero}
}

// ImageCost prices an image by tokens when a rate is configured and falls
// back to the image reserve otherwise.
func (config Config) ImageCost(usage ImageUsage) ledger.Credits {
	if !config.ImageCostPer1KTokens.IsPositive() {
		return config.Reserves.Image
	}
	tokens := decimal.NewFromInt(int64(usage.TotalTokens))
	return ledger.ClampCredits(tokens.Div(decimal.NewFromInt(1000)).Mul(config.ImageCostPer1KTokens))
}

// AssetKey returns the object key for a render output, e.g.
// "projects/p1/renders/rnd_01/image.png".
func AssetKey(projectID string, renderID string, mimeType string) string {
	return fmt.Sprintf("projects/%s/renders/%s/image.%s", projectID, renderID, extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return defaultImageExtension
	}
	_, subtype, found := strings.Cut(mediaType, "/")
	if !found || subtype == "" {
		return defaultImageExtension
	}
	return subtype
}
