package credits

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Balance returns the user's account. A user who has never purchased gets a
// zero-value account, not an error.
func (service *Service) Balance(ctx context.Context, userID UserID) (CreditAccount, error) {
	return service.accounts.GetAccount(ctx, userID.String())
}

// History lists ledger entries for a user, newest first. A zero limit
// falls back to the default page size; a negative limit is rejected.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]LedgerEntry, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidListLimit, limit)
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	return service.ledger.ListForUser(ctx, userID.String(), limit)
}

// ListActivePackages returns purchasable packages, smallest bundle first.
func (service *Service) ListActivePackages(ctx context.Context) ([]CreditPackage, error) {
	return service.catalog.ListActivePackages(ctx)
}

// GetPackage returns a single catalog entry.
func (service *Service) GetPackage(ctx context.Context, packageID PackageID) (CreditPackage, error) {
	return service.catalog.GetPackage(ctx, packageID.String())
}

// Reconcile recomputes the user's balance from ledger history and compares
// it to the cached account row. It only reports; drift is alerted on, never
// auto-corrected.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (ReconcileReport, error) {
	sum, err := service.ledger.SumForUser(ctx, userID.String())
	if err != nil {
		return ReconcileReport{}, err
	}
	account, err := service.accounts.GetAccount(ctx, userID.String())
	if err != nil {
		return ReconcileReport{}, err
	}
	return ReconcileReport{
		UserID:           userID.String(),
		LedgerSum:        sum,
		CreditsRemaining: account.CreditsRemaining,
	}, nil
}

// ListAccountsPage pages through account rows for periodic sweeps.
func (service *Service) ListAccountsPage(ctx context.Context, afterUserID string, limit int) ([]CreditAccount, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return service.accounts.ListAccounts(ctx, afterUserID, limit)
}

// ExpireCredits zeroes a balance whose expiry has passed, appending an
// expire entry with the negative delta. Accounts without an expiry, with an
// expiry still in the future, or already at zero are a no-op. The expiry
// timestamp scopes de-duplication so repeated sweeps append once.
func (service *Service) ExpireCredits(ctx context.Context, userID UserID) (CreditAccount, error) {
	account, expired, status, operationError := service.expireCredits(ctx, userID)
	if expired > 0 || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationExpire,
			UserID:    userID,
			Credits:   expired,
			Status:    status,
			Error:     operationError,
		})
	}
	return account, operationError
}

func (service *Service) expireCredits(ctx context.Context, userID UserID) (CreditAccount, int64, string, error) {
	now := service.nowFn()
	reference := ""
	var expired int64
	var account CreditAccount
	for attempt := 0; attempt < service.retryAttempts; attempt++ {
		current, err := service.accounts.GetAccount(ctx, userID.String())
		if err != nil {
			return CreditAccount{}, 0, "", err
		}
		if current.ExpiresAtUnixUTC == 0 || current.ExpiresAtUnixUTC > now || current.CreditsRemaining <= 0 {
			return current, 0, operationStatusOK, nil
		}
		reference = expireReference(userID, current.ExpiresAtUnixUTC)
		if duplicate, found, err := service.priorEntry(ctx, userID, reference); err != nil {
			return CreditAccount{}, 0, "", err
		} else if found {
			return duplicate, 0, operationStatusDuplicate, nil
		}
		swapped, err := service.accounts.CompareAndSwapBalance(ctx, userID.String(), current.CreditsRemaining, 0, current.CreditsTotal)
		if err != nil {
			return CreditAccount{}, 0, "", err
		}
		if swapped {
			expired = current.CreditsRemaining
			account = current
			account.CreditsRemaining = 0
			account.UpdatedUnixUTC = now
			break
		}
		if service.retryDelay > 0 {
			time.Sleep(service.retryDelay)
		}
		if attempt == service.retryAttempts-1 {
			return CreditAccount{}, 0, "", fmt.Errorf("%w: %d attempts exhausted", ErrConcurrencyConflict, service.retryAttempts)
		}
	}
	entry := LedgerEntry{
		UserID:         userID.String(),
		Type:           EntryExpire,
		Delta:          -expired,
		Reference:      reference,
		Description:    fmt.Sprintf("expired %d unused credits", expired),
		MetadataJSON:   marshalMetadata(map[string]string{"expired_at": strconv.FormatInt(account.ExpiresAtUnixUTC, 10)}),
		CreatedUnixUTC: now,
	}
	status, err := service.appendAfterSwap(ctx, entry)
	return account, expired, status, err
}

func expireReference(userID UserID, expiresAtUnixUTC int64) string {
	return referencePrefixExpire + referenceDelimiter + userID.String() + referenceDelimiter + strconv.FormatInt(expiresAtUnixUTC, 10)
}
