package wallet

import "time"

const (
	operationBalance     = "balance"
	operationAdd         = "add_credits"
	operationDeduct      = "deduct_credits"
	operationSpend       = "spend"
	operationReset       = "reset"
	operationReconcile   = "mark_reconciled"
	operationApplyRemote = "apply_remote"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultCooldown is the minimum interval between reward claims.
	DefaultCooldown = 60 * time.Minute

	// DefaultPointsPerReward is the credit granted per completed ad.
	DefaultPointsPerReward int64 = 1
)
