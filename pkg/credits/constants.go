package credits

import "time"

const (
	operationPurchase = "purchase"
	operationConsume  = "consume"
	operationRefund   = "refund"
	operationExpire   = "expire"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"
	// operationStatusLedgerGap marks an append failure after a successful
	// balance swap: the balance is authoritative, the audit trail has a gap
	// the reconciler must surface.
	operationStatusLedgerGap = "ledger_gap"

	referenceDelimiter    = ":"
	referencePrefixRefund = "refund"
	referencePrefixExpire = "expire"

	defaultRetryAttempts = 5
	defaultRetryDelay    = 20 * time.Millisecond
	defaultHistoryLimit  = 50
)
