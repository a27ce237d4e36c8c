package ledger

const (
	operationCommit         = "commit"
	operationGlobalBalance  = "global_balance"
	operationEnsureAccounts = "ensure_accounts"
	operationLockedSession  = "locked_session"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorSubjectTransaction = "transaction"
	errorSubjectEntry       = "entry"
	errorSubjectAccount     = "account"
	errorSubjectJournal     = "journal"

	errorCodeInvalid          = "invalid"
	errorCodeUnbalanced       = "unbalanced"
	errorCodeTooFewEntries    = "too_few_entries"
	errorCodeCurrencyMismatch = "currency_mismatch"
	errorCodeNotLocked        = "not_locked"
	errorCodeLookup           = "lookup"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 500
)
