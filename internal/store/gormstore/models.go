package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balances are derived from ledger_entries.
type Account struct {
	AccountID      string    `gorm:"primaryKey"`
	UserID         *string   `gorm:"index:idx_accounts_user"`
	WalletPublicID *string   `gorm:"uniqueIndex:idx_accounts_wallet_public_id"`
	Username       *string   `gorm:"uniqueIndex:idx_accounts_username"`
	Currency       string    `gorm:"not null"`
	Kind           string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerTransaction groups balanced entries.
type LedgerTransaction struct {
	TransactionID string    `gorm:"primaryKey"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"primaryKey"`
	TransactionID  string         `gorm:"not null;index:idx_ledger_entries_transaction"`
	AccountID      string         `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	AmountSats     int64          `gorm:"not null"`
	Currency       string         `gorm:"not null"`
	Type           string         `gorm:"not null"`
	Memo           string         `gorm:"not null;default:''"`
	CounterpartyID *string        `gorm:""`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PendingPayment mirrors the pending_payments table, keyed by payment hash.
type PendingPayment struct {
	PaymentHash              string     `gorm:"primaryKey"`
	AccountID                string     `gorm:"not null;index:idx_pending_payments_account"`
	AmountSats               int64      `gorm:"not null"`
	FeeReserveSats           int64      `gorm:"not null"`
	Currency                 string     `gorm:"not null"`
	Status                   string     `gorm:"not null;index:idx_pending_payments_status_created,priority:1"`
	Memo                     string     `gorm:"not null;default:''"`
	ProvisionalTransactionID string     `gorm:"not null"`
	FinalTransactionID       *string    `gorm:""`
	RoutingFeeSats           int64      `gorm:"not null;default:0"`
	CreatedAt                time.Time  `gorm:"not null;index:idx_pending_payments_status_created,priority:2"`
	ResolvedAt               *time.Time `gorm:""`
}

func (PendingPayment) TableName() string { return "pending_payments" }

// RewardGrant mirrors the reward_grants table; the composite key makes a grant insert-once.
type RewardGrant struct {
	AccountID     string    `gorm:"primaryKey"`
	RewardID      string    `gorm:"primaryKey"`
	AmountSats    int64     `gorm:"not null"`
	TransactionID string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (RewardGrant) TableName() string { return "reward_grants" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&Account{}, &LedgerTransaction{}, &LedgerEntry{}, &PendingPayment{}, &RewardGrant{}}
}
