package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON        = "{}"
	dialectPostgres            = "postgres"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectBalance        = "balance"
	errorSubjectEntry          = "entry"
	errorSubjectTransaction    = "transaction"
	errorSubjectPending        = "pending_payment"
	errorSubjectReward         = "reward_grant"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeSumTotal          = "sum_total"
	errorCodeSumJournal        = "sum_journal"
	errorCodeUpdateStatus      = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockAccounts confirms the accounts exist and, on PostgreSQL, holds their rows FOR UPDATE
// until the enclosing transaction ends. SQLite serializes writers on its own.
func (store *Store) LockAccounts(ctx context.Context, accountIDs []ledger.AccountID) error {
	ids := make([]string, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		ids = append(ids, accountID.String())
	}
	query := store.db.WithContext(ctx).Model(&Account{}).Where("account_id IN ?", ids).Order("account_id")
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var locked []string
	if err := query.Pluck("account_id", &locked).Error; err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	if len(locked) != len(ids) {
		return wrapStoreError(errorSubjectAccount, errorCodeLock,
			fmt.Errorf("%w: locked %d of %d accounts", ledger.ErrAccountNotFound, len(locked), len(ids)))
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.findAccount(ctx, ledger.ErrAccountNotFound, "account_id = ?", accountID.String())
}

func (store *Store) FindAccountByPublicID(ctx context.Context, walletPublicID ledger.WalletPublicID) (ledger.Account, error) {
	return store.findAccount(ctx, ledger.ErrAccountNotFound, "wallet_public_id = ?", walletPublicID.String())
}

func (store *Store) FindAccountByUsername(ctx context.Context, username ledger.Username) (ledger.Account, error) {
	return store.findAccount(ctx, ledger.ErrUsernameNotFound, "username = ?", username.String())
}

func (store *Store) findAccount(ctx context.Context, notFound error, condition string, value string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, fmt.Errorf("%w: %s", notFound, value))
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := Account{
		AccountID:      account.AccountID.String(),
		UserID:         optionalString(account.UserID.String()),
		WalletPublicID: optionalString(account.WalletPublicID.String()),
		Username:       optionalString(account.Username.String()),
		Currency:       account.Currency.String(),
		Kind:           account.Kind.String(),
		CreatedAt:      unixTime(account.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	header := LedgerTransaction{
		TransactionID: transaction.TransactionID.String(),
		CreatedAt:     unixTime(transaction.CreatedUnixUTC),
	}
	rows := make([]LedgerEntry, 0, len(transaction.Entries))
	for _, entry := range transaction.Entries {
		rows = append(rows, LedgerEntry{
			EntryID:        entry.EntryID.String(),
			TransactionID:  transaction.TransactionID.String(),
			AccountID:      entry.AccountID.String(),
			AmountSats:     entry.Amount.Int64(),
			Currency:       entry.Currency.String(),
			Type:           entry.Type.String(),
			Memo:           entry.Memo.String(),
			CounterpartyID: optionalString(entry.Counterparty.String()),
			Metadata:       datatypesJSON(entry.Metadata.String()),
			CreatedAt:      unixTime(entry.CreatedUnixUTC),
		})
	}
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Create(&header).Error
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate,
				fmt.Errorf("%w: duplicate transaction id %s", ledger.ErrInvalidTransaction, header.TransactionID))
		}
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
		return nil
	})
}

func (store *Store) SumBalance(ctx context.Context, accountID ledger.AccountID) (ledger.SignedAmountSats, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_sats),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	return ledger.SignedAmountSats(sum.Total), nil
}

func (store *Store) SumJournal(ctx context.Context) ([]ledger.CurrencyTotal, error) {
	var sums []currencySum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("currency, coalesce(sum(amount_sats),0) as total").
		Group("currency").
		Order("currency").
		Scan(&sums).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeSumJournal, err)
	}
	totals := make([]ledger.CurrencyTotal, 0, len(sums))
	for _, sum := range sums {
		currency, err := ledger.NewCurrency(sum.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		totals = append(totals, ledger.CurrencyTotal{Currency: currency, Total: ledger.SignedAmountSats(sum.Total)})
	}
	return totals, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if beforeUnixUTC != 0 {
		query = query.Where("created_at < ?", unixTime(beforeUnixUTC))
	}
	var rows []LedgerEntry
	err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreatePendingPayment(ctx context.Context, payment ledger.PendingPayment) error {
	model := PendingPayment{
		PaymentHash:              payment.Reference.String(),
		AccountID:                payment.AccountID.String(),
		AmountSats:               payment.Amount.Int64(),
		FeeReserveSats:           payment.FeeReserve.Int64(),
		Currency:                 payment.Currency.String(),
		Status:                   payment.Status.String(),
		Memo:                     payment.Memo.String(),
		ProvisionalTransactionID: payment.ProvisionalTransactionID.String(),
		CreatedAt:                unixTime(payment.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPending, errorCodeDuplicate, ledger.ErrPendingPaymentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPending, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPendingPayment(ctx context.Context, reference ledger.PaymentReference) (ledger.PendingPayment, error) {
	var model PendingPayment
	err := store.db.WithContext(ctx).Where("payment_hash = ?", reference.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.PendingPayment{}, wrapStoreError(errorSubjectPending, errorCodeGet, ledger.ErrUnknownPendingPayment)
		}
		return ledger.PendingPayment{}, wrapStoreError(errorSubjectPending, errorCodeGet, err)
	}
	payment, err := mapPendingPayment(model)
	if err != nil {
		return ledger.PendingPayment{}, wrapStoreError(errorSubjectPending, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) ListPendingPayments(ctx context.Context, limit int) ([]ledger.PendingPayment, error) {
	query := store.db.WithContext(ctx).
		Where("status = ?", ledger.PendingPaymentPending.String()).
		Order("created_at ASC").
		Order("payment_hash ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []PendingPayment
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPending, errorCodeList, err)
	}
	payments := make([]ledger.PendingPayment, 0, len(rows))
	for _, row := range rows {
		payment, err := mapPendingPayment(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPending, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func (store *Store) ResolvePendingPayment(ctx context.Context, reference ledger.PaymentReference, resolution ledger.PaymentResolution) error {
	resolvedAt := unixTime(resolution.ResolvedUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&PendingPayment{}).
		Where("payment_hash = ? AND status = ?", reference.String(), ledger.PendingPaymentPending.String()).
		Updates(map[string]interface{}{
			"status":               resolution.Status.String(),
			"final_transaction_id": optionalString(resolution.FinalTransactionID.String()),
			"routing_fee_sats":     resolution.RoutingFee.Int64(),
			"resolved_at":          &resolvedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetPendingPayment(ctx, reference); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectPending, errorCodeUpdateStatus, ledger.ErrPendingPaymentClosed)
	}
	return nil
}

func (store *Store) HasRewardGrant(ctx context.Context, accountID ledger.AccountID, rewardID ledger.RewardID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&RewardGrant{}).
		Where("account_id = ? AND reward_id = ?", accountID.String(), rewardID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) InsertRewardGrant(ctx context.Context, grant ledger.RewardGrant) error {
	model := RewardGrant{
		AccountID:     grant.AccountID.String(),
		RewardID:      grant.RewardID.String(),
		AmountSats:    grant.Amount.Int64(),
		TransactionID: grant.TransactionID.String(),
		CreatedAt:     unixTime(grant.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReward, errorCodeDuplicate, ledger.ErrRewardAlreadyGranted)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type currencySum struct {
	Currency string
	Total    int64
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	currency, err := ledger.NewCurrency(model.Currency)
	if err != nil {
		return ledger.Account{}, err
	}
	kind, err := ledger.ParseAccountKind(model.Kind)
	if err != nil {
		return ledger.Account{}, err
	}
	account := ledger.Account{AccountID: accountID, Currency: currency, Kind: kind, CreatedUnixUTC: model.CreatedAt.Unix()}
	if model.UserID != nil {
		if account.UserID, err = ledger.NewUserID(*model.UserID); err != nil {
			return ledger.Account{}, err
		}
	}
	if model.WalletPublicID != nil {
		if account.WalletPublicID, err = ledger.NewWalletPublicID(*model.WalletPublicID); err != nil {
			return ledger.Account{}, err
		}
	}
	if model.Username != nil {
		if account.Username, err = ledger.NewUsername(*model.Username); err != nil {
			return ledger.Account{}, err
		}
	}
	return account, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	memo, err := ledger.NewMemo(row.Memo)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	var counterparty ledger.AccountID
	if row.CounterpartyID != nil {
		if counterparty, err = ledger.NewAccountID(*row.CounterpartyID); err != nil {
			return ledger.Entry{}, err
		}
	}
	return ledger.Entry{
		EntryID:        entryID,
		TransactionID:  transactionID,
		AccountID:      accountID,
		Amount:         ledger.SignedAmountSats(row.AmountSats),
		Currency:       currency,
		Type:           entryType,
		Memo:           memo,
		Counterparty:   counterparty,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPendingPayment(row PendingPayment) (ledger.PendingPayment, error) {
	reference, err := ledger.NewPaymentReference(row.PaymentHash)
	if err != nil {
		return ledger.PendingPayment{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.PendingPayment{}, err
	}
	amount, err := ledger.NewPositiveAmountSats(row.AmountSats)
	if err != nil {
		return ledger.PendingPayment{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.PendingPayment{}, err
	}
	status, err := ledger.ParsePendingPaymentStatus(row.Status)
	if err != nil {
		return ledger.PendingPayment{}, err
	}
	memo, err := ledger.NewMemo(row.Memo)
	if err != nil {
		return ledger.PendingPayment{}, err
	}
	provisionalID, err := ledger.NewTransactionID(row.ProvisionalTransactionID)
	if err != nil {
		return ledger.PendingPayment{}, err
	}
	payment := ledger.PendingPayment{
		Reference:                reference,
		AccountID:                accountID,
		Amount:                   amount,
		FeeReserve:               ledger.SignedAmountSats(row.FeeReserveSats),
		Currency:                 currency,
		Status:                   status,
		Memo:                     memo,
		ProvisionalTransactionID: provisionalID,
		RoutingFee:               ledger.SignedAmountSats(row.RoutingFeeSats),
		CreatedUnixUTC:           row.CreatedAt.Unix(),
	}
	if row.FinalTransactionID != nil {
		if payment.FinalTransactionID, err = ledger.NewTransactionID(*row.FinalTransactionID); err != nil {
			return ledger.PendingPayment{}, err
		}
	}
	if row.ResolvedAt != nil {
		payment.ResolvedUnixUTC = row.ResolvedAt.Unix()
	}
	return payment, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func unixTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}
