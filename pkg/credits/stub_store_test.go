package credits

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore backs service tests with an in-memory catalog, account table,
// and ledger. CompareAndSwapBalance behaves like the real stores: it only
// succeeds against the latest remaining value, and creates the row lazily.
type stubStore struct {
	mu           sync.Mutex
	packages     map[string]CreditPackage
	accounts     map[string]CreditAccount
	entries      []LedgerEntry
	nextEntryID  int
	forcedMisses int
	// findMisses forces the next N reference lookups to report no match,
	// simulating callers racing through the de-duplication pre-check.
	findMisses int
	casCalls   int
	appendErr  error
}

func newStubStore() *stubStore {
	return &stubStore{
		packages: make(map[string]CreditPackage),
		accounts: make(map[string]CreditAccount),
	}
}

func (store *stubStore) addPackage(creditPackage CreditPackage) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.packages[creditPackage.PackageID] = creditPackage
}

func (store *stubStore) seedAccount(account CreditAccount) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[account.UserID] = account
}

func (store *stubStore) ListActivePackages(_ context.Context) ([]CreditPackage, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	active := make([]CreditPackage, 0, len(store.packages))
	for _, creditPackage := range store.packages {
		if creditPackage.Active {
			active = append(active, creditPackage)
		}
	}
	sort.Slice(active, func(left, right int) bool { return active[left].Credits < active[right].Credits })
	return active, nil
}

func (store *stubStore) GetPackage(_ context.Context, packageID string) (CreditPackage, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	creditPackage, ok := store.packages[packageID]
	if !ok {
		return CreditPackage{}, fmt.Errorf("%w: package %q", ErrPackageNotFound, packageID)
	}
	return creditPackage, nil
}

func (store *stubStore) GetAccount(_ context.Context, userID string) (CreditAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	if !ok {
		return CreditAccount{UserID: userID}, nil
	}
	return account, nil
}

func (store *stubStore) CompareAndSwapBalance(_ context.Context, userID string, expectedRemaining, newRemaining, newTotal int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.casCalls++
	if store.forcedMisses > 0 {
		store.forcedMisses--
		return false, nil
	}
	account, ok := store.accounts[userID]
	if !ok {
		if expectedRemaining != 0 {
			return false, nil
		}
		account = CreditAccount{UserID: userID}
	}
	if account.CreditsRemaining != expectedRemaining {
		return false, nil
	}
	account.CreditsRemaining = newRemaining
	account.CreditsTotal = newTotal
	store.accounts[userID] = account
	return true, nil
}

func (store *stubStore) ListAccounts(_ context.Context, afterUserID string, limit int) ([]CreditAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	userIDs := make([]string, 0, len(store.accounts))
	for userID := range store.accounts {
		if userID > afterUserID {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Strings(userIDs)
	if len(userIDs) > limit {
		userIDs = userIDs[:limit]
	}
	page := make([]CreditAccount, 0, len(userIDs))
	for _, userID := range userIDs {
		page = append(page, store.accounts[userID])
	}
	return page, nil
}

func (store *stubStore) Append(_ context.Context, entry LedgerEntry) (LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.appendErr != nil {
		return LedgerEntry{}, store.appendErr
	}
	if entry.Reference != "" {
		for _, existing := range store.entries {
			if existing.UserID == entry.UserID && existing.Reference == entry.Reference {
				return LedgerEntry{}, fmt.Errorf("%w: %q", ErrDuplicateReference, entry.Reference)
			}
		}
	}
	store.nextEntryID++
	entry.EntryID = fmt.Sprintf("entry-%d", store.nextEntryID)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) ListForUser(_ context.Context, userID string, limit int) ([]LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]LedgerEntry, 0)
	for index := len(store.entries) - 1; index >= 0 && len(matched) < limit; index-- {
		if store.entries[index].UserID == userID {
			matched = append(matched, store.entries[index])
		}
	}
	return matched, nil
}

func (store *stubStore) SumForUser(_ context.Context, userID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum int64
	for _, entry := range store.entries {
		if entry.UserID == userID {
			sum += entry.Delta
		}
	}
	return sum, nil
}

func (store *stubStore) FindByReference(_ context.Context, userID string, reference string) (LedgerEntry, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.findMisses > 0 {
		store.findMisses--
		return LedgerEntry{}, false, nil
	}
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.Reference == reference {
			return entry, true, nil
		}
	}
	return LedgerEntry{}, false, nil
}

func (store *stubStore) entriesForUser(userID string) []LedgerEntry {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]LedgerEntry, 0)
	for _, entry := range store.entries {
		if entry.UserID == userID {
			matched = append(matched, entry)
		}
	}
	return matched
}

func mustNewService(test *testing.T, store *stubStore, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryDelay(0)}, options...)
	service, err := NewService(store, store, store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustPackageID(test *testing.T, raw string) PackageID {
	test.Helper()
	packageID, err := NewPackageID(raw)
	if err != nil {
		test.Fatalf("package id %q: %v", raw, err)
	}
	return packageID
}

func mustBookingID(test *testing.T, raw string) BookingID {
	test.Helper()
	bookingID, err := NewBookingID(raw)
	if err != nil {
		test.Fatalf("booking id %q: %v", raw, err)
	}
	return bookingID
}

func mustPaymentReference(test *testing.T, raw string) PaymentReference {
	test.Helper()
	reference, err := NewPaymentReference(raw)
	if err != nil {
		test.Fatalf("payment reference %q: %v", raw, err)
	}
	return reference
}

func mustRefundReason(test *testing.T, raw string) RefundReason {
	test.Helper()
	reason, err := NewRefundReason(raw)
	if err != nil {
		test.Fatalf("refund reason %q: %v", raw, err)
	}
	return reason
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount %d: %v", raw, err)
	}
	return amount
}

func fiveCreditPackage() CreditPackage {
	return CreditPackage{
		PackageID:  "pkg_5credits",
		Name:       "Five Studio Days",
		Credits:    5,
		PriceCents: 22500,
		Active:     true,
	}
}
