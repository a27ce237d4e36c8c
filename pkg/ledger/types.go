package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxMemoLength       = 1024
	minUsernameLength   = 3
	maxUsernameLength   = 50
	paymentReferenceLen = 64
)

// usernameReservedPrefixes keeps usernames from being confused with addresses or invoices.
var usernameReservedPrefixes = []string{"lnbc1", "bc1", "1", "3"}

// SignedAmountSats is a signed quantity of satoshi. Credits are positive, debits negative.
type SignedAmountSats int64

// Int64 returns the raw value.
func (amount SignedAmountSats) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount SignedAmountSats) Negated() SignedAmountSats {
	return -amount
}

// Abs returns the magnitude.
func (amount SignedAmountSats) Abs() SignedAmountSats {
	if amount < 0 {
		return -amount
	}
	return amount
}

// MaxAmountSats is the total bitcoin supply in satoshi. No amount the ledger handles may exceed it.
const MaxAmountSats = 21_000_000 * 100_000_000

// AddAmounts sums amounts. Every operand and the running total must stay within MaxAmountSats.
func AddAmounts(amounts ...SignedAmountSats) (SignedAmountSats, error) {
	var total SignedAmountSats
	for _, amount := range amounts {
		if !withinSupply(amount) {
			return 0, fmt.Errorf("%w: %d exceeds the %d sat supply", ErrInvalidAmount, amount, int64(MaxAmountSats))
		}
		total += amount
		if !withinSupply(total) {
			return 0, fmt.Errorf("%w: sum exceeds the %d sat supply", ErrInvalidAmount, int64(MaxAmountSats))
		}
	}
	return total, nil
}

func withinSupply(amount SignedAmountSats) bool {
	return amount <= MaxAmountSats && amount >= -MaxAmountSats
}

// PositiveAmountSats is a strictly positive quantity of satoshi.
type PositiveAmountSats int64

// NewPositiveAmountSats validates that raw is greater than zero and within MaxAmountSats.
func NewPositiveAmountSats(raw int64) (PositiveAmountSats, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be a positive number of sats", ErrInvalidAmount)
	}
	if raw > MaxAmountSats {
		return 0, fmt.Errorf("%w: %d exceeds the %d sat supply", ErrInvalidAmount, raw, int64(MaxAmountSats))
	}
	return PositiveAmountSats(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmountSats) Int64() int64 {
	return int64(amount)
}

// Credit returns the amount as a credit line value.
func (amount PositiveAmountSats) Credit() SignedAmountSats {
	return SignedAmountSats(amount)
}

// Debit returns the amount as a debit line value.
func (amount PositiveAmountSats) Debit() SignedAmountSats {
	return -SignedAmountSats(amount)
}

// Currency names the unit an account is denominated in.
type Currency string

// CurrencyBTC is the satoshi-denominated bitcoin unit.
const CurrencyBTC Currency = "BTC"

// NewCurrency validates a currency code (3-5 upper-case letters).
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) < 3 || len(normalized) > 5 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	for _, character := range normalized {
		if character < 'A' || character > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
	}
	return Currency(normalized), nil
}

// String returns the currency code.
func (currency Currency) String() string {
	return string(currency)
}

// AccountID identifies a ledger account.
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

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// UserID identifies the owner of a user account.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// WalletPublicID is the externally visible wallet identifier (UUID v4).
type WalletPublicID struct {
	value string
}

// NewWalletPublicID validates a public wallet id.
func NewWalletPublicID(raw string) (WalletPublicID, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return WalletPublicID{}, fmt.Errorf("%w: wallet id %q", ErrInvalidIdentifier, raw)
	}
	if parsed.Version() != 4 || parsed.Variant() != uuid.RFC4122 {
		return WalletPublicID{}, fmt.Errorf("%w: wallet id %q is not a v4 uuid", ErrInvalidIdentifier, raw)
	}
	return WalletPublicID{value: parsed.String()}, nil
}

// String returns the canonical lower-case form.
func (id WalletPublicID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id WalletPublicID) IsZero() bool {
	return id.value == ""
}

// Username is a case-insensitive handle that points at a wallet.
type Username struct {
	value string
}

// NewUsername validates username syntax and lower-cases it.
func NewUsername(raw string) (Username, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if len(normalized) < minUsernameLength || len(normalized) > maxUsernameLength {
		return Username{}, fmt.Errorf("%w: username length", ErrInvalidIdentifier)
	}
	for _, character := range normalized {
		isDigit := character >= '0' && character <= '9'
		isLower := character >= 'a' && character <= 'z'
		if !isDigit && !isLower && character != '_' {
			return Username{}, fmt.Errorf("%w: username %q", ErrInvalidIdentifier, raw)
		}
	}
	for _, prefix := range usernameReservedPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return Username{}, fmt.Errorf("%w: username %q has a reserved prefix", ErrInvalidIdentifier, raw)
		}
	}
	return Username{value: normalized}, nil
}

// String returns the normalized username.
func (username Username) String() string {
	return username.value
}

// IsZero reports whether the username was never set.
func (username Username) IsZero() bool {
	return username.value == ""
}

// TransactionID identifies a committed ledger transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// EntryID identifies one journal line.
type EntryID struct {
	value string
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// RewardID names a one-time reward (for example an onboarding quiz question).
type RewardID struct {
	value string
}

// NewRewardID validates and normalizes a reward id.
func NewRewardID(raw string) (RewardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RewardID{}, fmt.Errorf("%w: empty value", ErrInvalidRewardID)
	}
	return RewardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RewardID) String() string {
	return id.value
}

// PaymentReference is the hex payment hash a Lightning payment is tracked by.
type PaymentReference struct {
	value string
}

// NewPaymentReference validates a 32-byte hex payment hash.
func NewPaymentReference(raw string) (PaymentReference, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if len(normalized) != paymentReferenceLen {
		return PaymentReference{}, fmt.Errorf("%w: expected %d hex characters", ErrInvalidPaymentReference, paymentReferenceLen)
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return PaymentReference{}, fmt.Errorf("%w: %v", ErrInvalidPaymentReference, err)
	}
	return PaymentReference{value: normalized}, nil
}

// String returns the lower-case hex form.
func (reference PaymentReference) String() string {
	return reference.value
}

// Memo is a free-text note attached to journal lines.
type Memo struct {
	value string
}

// NewMemo trims and bounds a memo; empty memos are allowed.
func NewMemo(raw string) (Memo, error) {
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) > maxMemoLength {
		return Memo{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidMemo, maxMemoLength)
	}
	return Memo{value: trimmed}, nil
}

// String returns the memo text.
func (memo Memo) String() string {
	return memo.value
}

// MetadataJSON stores arbitrary line metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob, "{}" when unset.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// EntryType tags what kind of movement a line records.
type EntryType string

const (
	EntryIntraledger EntryType = "intraledger"
	EntryLightning   EntryType = "lightning"
	EntryOnchain     EntryType = "onchain"
	EntryReward      EntryType = "reward"
	EntryFee         EntryType = "fee"
	EntryEscrow      EntryType = "escrow"
)

// ParseEntryType validates an entry type string.
func ParseEntryType(raw string) (EntryType, error) {
	entryType := EntryType(strings.TrimSpace(raw))
	switch entryType {
	case EntryIntraledger, EntryLightning, EntryOnchain, EntryReward, EntryFee, EntryEscrow:
		return entryType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the entry type name.
func (entryType EntryType) String() string {
	return string(entryType)
}
