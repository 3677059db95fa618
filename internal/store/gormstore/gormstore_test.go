package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/studiorooms/credits/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "credits.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestCompareAndSwapCreatesAccountLazily(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	account, err := store.GetAccount(ctx, "u1")
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.CreditsRemaining != 0 || account.CreditsTotal != 0 {
		test.Fatalf("expected zero-value account, got %+v", account)
	}

	swapped, err := store.CompareAndSwapBalance(ctx, "u1", 0, 5, 5)
	if err != nil {
		test.Fatalf("swap: %v", err)
	}
	if !swapped {
		test.Fatalf("expected lazy-create swap to succeed")
	}
	account, err = store.GetAccount(ctx, "u1")
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.CreditsRemaining != 5 || account.CreditsTotal != 5 {
		test.Fatalf("expected 5/5, got %+v", account)
	}
}

func TestCompareAndSwapRejectsStaleExpectation(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	if swapped, err := store.CompareAndSwapBalance(ctx, "u1", 0, 10, 10); err != nil || !swapped {
		test.Fatalf("seed swap failed: swapped=%v err=%v", swapped, err)
	}

	swapped, err := store.CompareAndSwapBalance(ctx, "u1", 3, 2, 10)
	if err != nil {
		test.Fatalf("swap: %v", err)
	}
	if swapped {
		test.Fatalf("stale expectation must not match")
	}

	swapped, err = store.CompareAndSwapBalance(ctx, "u1", 10, 7, 10)
	if err != nil {
		test.Fatalf("swap: %v", err)
	}
	if !swapped {
		test.Fatalf("fresh expectation should match")
	}
	account, err := store.GetAccount(ctx, "u1")
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.CreditsRemaining != 7 {
		test.Fatalf("expected 7 remaining, got %d", account.CreditsRemaining)
	}
}

func TestCompareAndSwapLazyCreateLosesToExistingRow(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	if swapped, err := store.CompareAndSwapBalance(ctx, "u1", 0, 5, 5); err != nil || !swapped {
		test.Fatalf("seed swap failed: swapped=%v err=%v", swapped, err)
	}
	// A second writer that read the account before the row existed.
	swapped, err := store.CompareAndSwapBalance(ctx, "u1", 0, 3, 3)
	if err != nil {
		test.Fatalf("swap: %v", err)
	}
	if swapped {
		test.Fatalf("expected the insert race to be reported as a swap miss")
	}
}

func TestAppendRejectsDuplicateReference(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	entry := credits.LedgerEntry{
		UserID:         "u1",
		Type:           credits.EntryPurchase,
		Delta:          5,
		PackageID:      "pkg_5credits",
		Reference:      "pay_123",
		Description:    "purchased Five Studio Days (5 credits)",
		CreatedUnixUTC: time.Now().Unix(),
	}
	stored, err := store.Append(ctx, entry)
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	if stored.EntryID == "" {
		test.Fatalf("expected assigned entry id")
	}
	if _, err := store.Append(ctx, entry); !errors.Is(err, credits.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	// Entries without a reference never collide.
	use := credits.LedgerEntry{UserID: "u1", Type: credits.EntryUse, Delta: -1, BookingID: "booking_1", CreatedUnixUTC: time.Now().Unix()}
	if _, err := store.Append(ctx, use); err != nil {
		test.Fatalf("append use: %v", err)
	}
	if _, err := store.Append(ctx, credits.LedgerEntry{UserID: "u1", Type: credits.EntryUse, Delta: -1, BookingID: "booking_2", CreatedUnixUTC: time.Now().Unix()}); err != nil {
		test.Fatalf("append second use: %v", err)
	}
}

func TestFindByReference(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	if _, found, err := store.FindByReference(ctx, "u1", "pay_123"); err != nil || found {
		test.Fatalf("expected no match, found=%v err=%v", found, err)
	}
	if _, err := store.Append(ctx, credits.LedgerEntry{UserID: "u1", Type: credits.EntryPurchase, Delta: 5, Reference: "pay_123", CreatedUnixUTC: time.Now().Unix()}); err != nil {
		test.Fatalf("append: %v", err)
	}
	entry, found, err := store.FindByReference(ctx, "u1", "pay_123")
	if err != nil {
		test.Fatalf("find: %v", err)
	}
	if !found || entry.Reference != "pay_123" || entry.Delta != 5 {
		test.Fatalf("unexpected match: found=%v entry=%+v", found, entry)
	}
}

func TestListForUserOrdersNewestFirstWithTiebreaker(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	createdAt := time.Now().Unix()

	// Same created_at; the auto-increment id breaks the tie.
	for index, reference := range []string{"pay_1", "pay_2", "pay_3"} {
		entry := credits.LedgerEntry{
			UserID:         "u1",
			Type:           credits.EntryPurchase,
			Delta:          int64(index + 1),
			Reference:      reference,
			CreatedUnixUTC: createdAt,
		}
		if _, err := store.Append(ctx, entry); err != nil {
			test.Fatalf("append %s: %v", reference, err)
		}
	}

	entries, err := store.ListForUser(ctx, "u1", 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Reference != "pay_3" || entries[2].Reference != "pay_1" {
		test.Fatalf("expected deterministic newest-first order, got %+v", entries)
	}

	limited, err := store.ListForUser(ctx, "u1", 2)
	if err != nil {
		test.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		test.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestSumForUser(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	deltas := []int64{5, -3, 3}
	types := []credits.EntryType{credits.EntryPurchase, credits.EntryUse, credits.EntryRefund}
	references := []string{"pay_1", "", "refund:booking_1:host cancelled"}
	for index := range deltas {
		entry := credits.LedgerEntry{
			UserID:         "u1",
			Type:           types[index],
			Delta:          deltas[index],
			Reference:      references[index],
			CreatedUnixUTC: time.Now().Unix(),
		}
		if _, err := store.Append(ctx, entry); err != nil {
			test.Fatalf("append: %v", err)
		}
	}
	sum, err := store.SumForUser(ctx, "u1")
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 5 {
		test.Fatalf("expected sum 5, got %d", sum)
	}
	if other, err := store.SumForUser(ctx, "u2"); err != nil || other != 0 {
		test.Fatalf("expected empty sum 0, got %d (err %v)", other, err)
	}
}

func TestCatalogUpsertAndListOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	packages := []credits.CreditPackage{
		{PackageID: "pkg_20", Name: "Twenty Studio Days", Credits: 20, PriceCents: 80000, DiscountPercent: 20, Active: true},
		{PackageID: "pkg_5", Name: "Five Studio Days", Credits: 5, PriceCents: 22500, Active: true},
		{PackageID: "pkg_retired", Name: "Legacy Bundle", Credits: 10, PriceCents: 40000, Active: false},
	}
	for _, creditPackage := range packages {
		if err := store.UpsertPackage(ctx, creditPackage); err != nil {
			test.Fatalf("upsert %s: %v", creditPackage.PackageID, err)
		}
	}

	active, err := store.ListActivePackages(ctx)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		test.Fatalf("expected 2 active packages, got %d", len(active))
	}
	if active[0].PackageID != "pkg_5" || active[1].PackageID != "pkg_20" {
		test.Fatalf("expected ascending credit order, got %+v", active)
	}

	// Upsert refreshes in place.
	if err := store.UpsertPackage(ctx, credits.CreditPackage{PackageID: "pkg_5", Name: "Five Studio Days", Credits: 5, PriceCents: 20000, Active: true}); err != nil {
		test.Fatalf("re-upsert: %v", err)
	}
	refreshed, err := store.GetPackage(ctx, "pkg_5")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if refreshed.PriceCents != 20000 {
		test.Fatalf("expected refreshed price, got %d", refreshed.PriceCents)
	}

	if _, err := store.GetPackage(ctx, "pkg_missing"); !errors.Is(err, credits.ErrPackageNotFound) {
		test.Fatalf("expected ErrPackageNotFound, got %v", err)
	}
}

func TestListAccountsPagesInOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	for _, userID := range []string{"u3", "u1", "u2"} {
		if swapped, err := store.CompareAndSwapBalance(ctx, userID, 0, 1, 1); err != nil || !swapped {
			test.Fatalf("seed %s: swapped=%v err=%v", userID, swapped, err)
		}
	}

	first, err := store.ListAccounts(ctx, "", 2)
	if err != nil {
		test.Fatalf("list accounts: %v", err)
	}
	if len(first) != 2 || first[0].UserID != "u1" || first[1].UserID != "u2" {
		test.Fatalf("unexpected first page: %+v", first)
	}
	second, err := store.ListAccounts(ctx, first[1].UserID, 2)
	if err != nil {
		test.Fatalf("list accounts: %v", err)
	}
	if len(second) != 1 || second[0].UserID != "u3" {
		test.Fatalf("unexpected second page: %+v", second)
	}
}

func TestServiceRoundTripAgainstRealStore(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	if err := store.UpsertPackage(ctx, credits.CreditPackage{PackageID: "pkg_10", Name: "Ten Studio Days", Credits: 10, PriceCents: 42000, Active: true}); err != nil {
		test.Fatalf("seed package: %v", err)
	}
	service, err := credits.NewService(store, store, store, func() int64 { return time.Now().Unix() }, credits.WithRetryDelay(0))
	if err != nil {
		test.Fatalf("service init: %v", err)
	}

	userID, err := credits.NewUserID("u1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	packageID, err := credits.NewPackageID("pkg_10")
	if err != nil {
		test.Fatalf("package id: %v", err)
	}
	reference, err := credits.NewPaymentReference("pay_roundtrip")
	if err != nil {
		test.Fatalf("payment reference: %v", err)
	}
	bookingID, err := credits.NewBookingID("booking_b")
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	amount, err := credits.NewCreditAmount(10)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	reason, err := credits.NewRefundReason("cancelled")
	if err != nil {
		test.Fatalf("reason: %v", err)
	}

	account, err := service.Purchase(ctx, userID, packageID, reference)
	if err != nil || account.CreditsRemaining != 10 {
		test.Fatalf("purchase: balance %d err %v", account.CreditsRemaining, err)
	}
	account, err = service.Consume(ctx, userID, amount, bookingID)
	if err != nil || account.CreditsRemaining != 0 {
		test.Fatalf("consume: balance %d err %v", account.CreditsRemaining, err)
	}
	account, err = service.Refund(ctx, userID, amount, bookingID, reason)
	if err != nil || account.CreditsRemaining != 10 {
		test.Fatalf("refund: balance %d err %v", account.CreditsRemaining, err)
	}

	report, err := service.Reconcile(ctx, userID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !report.Consistent() {
		test.Fatalf("ledger sum %d diverged from balance %d", report.LedgerSum, report.CreditsRemaining)
	}
	history, err := service.History(ctx, userID, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].Type != credits.EntryRefund {
		test.Fatalf("unexpected history: %+v", history)
	}
}
