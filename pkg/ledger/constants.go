package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OperationOpenAccount = "open_account"
	OperationGrant       = "grant"
	OperationReserve     = "reserve"
	OperationAdjust      = "adjust"
	OperationFinalize    = "finalize"
	OperationRelease     = "release"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	creditsScale = 6

	defaultRetryAttempts        = 5
	defaultRetryInitialInterval = 20 * time.Millisecond
	defaultRetryMaxInterval     = time.Second

	defaultListLimit = 50
	maxListLimit     = 500
)

// AdjustmentEpsilon is the smallest reservation change AdjustReservation acts on.
var AdjustmentEpsilon = decimal.New(1, -4)
