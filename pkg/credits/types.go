package credits

import (
	"context"
	"fmt"
	"strings"
)

// CreditAmount counts studio-day credits.
type CreditAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// PackageID identifies a catalog package.
type PackageID struct {
	value string
}

// BookingID identifies a studio booking.
type BookingID struct {
	value string
}

// PaymentReference is the payment provider's unique reference for a
// completed checkout. It scopes purchase de-duplication.
type PaymentReference struct {
	value string
}

// RefundReason is the human-readable cancellation reason attached to a
// refund. Together with the booking id it scopes refund de-duplication.
type RefundReason struct {
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

// NewPackageID validates and normalizes a package id.
func NewPackageID(raw string) (PackageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackageID{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	return PackageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackageID) String() string {
	return id.value
}

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingID{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// NewPaymentReference validates and normalizes a payment reference.
func NewPaymentReference(raw string) (PaymentReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentReference{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentReference)
	}
	return PaymentReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference PaymentReference) String() string {
	return reference.value
}

// NewRefundReason validates and normalizes a refund reason.
func NewRefundReason(raw string) (RefundReason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RefundReason{}, fmt.Errorf("%w: empty value", ErrInvalidRefundReason)
	}
	return RefundReason{value: trimmed}, nil
}

// String returns the normalized reason.
func (reason RefundReason) String() string {
	return reason.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPurchase EntryType = "purchase"
	EntryUse      EntryType = "use"
	EntryRefund   EntryType = "refund"
	EntryExpire   EntryType = "expire"
)

// ParseEntryType validates a stored entry type string.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryPurchase, EntryUse, EntryRefund, EntryExpire:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// LedgerEntry is a single immutable line in the ledger. Delta is signed:
// purchase and refund entries are positive, use and expire entries negative.
type LedgerEntry struct {
	EntryID        string
	UserID         string
	Type           EntryType
	Delta          int64
	PackageID      string
	BookingID      string
	Reference      string
	Description    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// CreditAccount is the materialized per-user balance. The ledger is the
// source of truth; this row is a cache rebuildable from it.
type CreditAccount struct {
	UserID           string
	CreditsRemaining int64
	CreditsTotal     int64
	ExpiresAtUnixUTC int64
	UpdatedUnixUTC   int64
}

// CreditPackage is an immutable catalog entry. PriceCents is in currency
// minor units; DiscountPercent is a whole-number percentage.
type CreditPackage struct {
	PackageID       string
	Name            string
	Credits         int64
	PriceCents      int64
	DiscountPercent int64
	Active          bool
}

// ReconcileReport compares the ledger sum against the cached balance.
type ReconcileReport struct {
	UserID           string
	LedgerSum        int64
	CreditsRemaining int64
}

// Drift is the cached balance minus the ledger sum; zero means consistent.
func (report ReconcileReport) Drift() int64 {
	return report.CreditsRemaining - report.LedgerSum
}

// Consistent reports whether the cached balance matches the ledger.
func (report ReconcileReport) Consistent() bool {
	return report.Drift() == 0
}

// Catalog is the read-only package listing contract.
type Catalog interface {
	ListActivePackages(ctx context.Context) ([]CreditPackage, error)
	GetPackage(ctx context.Context, packageID string) (CreditPackage, error)
}

// AccountStore is the balance persistence contract. CompareAndSwapBalance
// is the only mutation primitive: it succeeds only when the stored
// credits_remaining still equals expectedRemaining at write time, creating
// the row lazily when expectedRemaining is zero and no row exists.
type AccountStore interface {
	GetAccount(ctx context.Context, userID string) (CreditAccount, error)
	CompareAndSwapBalance(ctx context.Context, userID string, expectedRemaining, newRemaining, newTotal int64) (bool, error)
	ListAccounts(ctx context.Context, afterUserID string, limit int) ([]CreditAccount, error)
}

// Ledger is the append-only transaction log contract. Append never updates
// or deletes; corrections are new compensating entries.
type Ledger interface {
	Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
	SumForUser(ctx context.Context, userID string) (int64, error)
	FindByReference(ctx context.Context, userID string, reference string) (LedgerEntry, bool, error)
}
