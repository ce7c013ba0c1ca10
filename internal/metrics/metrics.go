package metrics

import "expvar"

var (
	AttemptsStarted   = expvar.NewInt("attempts_started")
	AttemptsRejected  = expvar.NewInt("attempts_rejected")
	AttemptsConfirmed = expvar.NewInt("attempts_confirmed")
	LateConfirmations = expvar.NewInt("attempts_late_confirmed")

	// AttemptsFailed 按错误 kind 统计
	AttemptsFailed = expvar.NewMap("attempts_failed")

	OracleRequests  = expvar.NewInt("oracle_requests")
	OracleFallbacks = expvar.NewInt("oracle_fallbacks")

	ApprovalsInserted = expvar.NewInt("approvals_inserted")

	ReconcileRuns    = expvar.NewInt("reconcile_runs")
	ReconcileMatches = expvar.NewInt("reconcile_matches")
	ReconcileExpired = expvar.NewInt("reconcile_expired")
	ReconcileErrors  = expvar.NewInt("reconcile_errors")
)
