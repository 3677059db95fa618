package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Service contains the domain logic over the catalog, account, and ledger
// stores. It holds no in-process state beyond configuration; any number of
// instances may run against the same durable store.
type Service struct {
	catalog       Catalog
	accounts      AccountStore
	ledger        Ledger
	nowFn         func() int64
	logger        OperationLogger
	retryAttempts int
	retryDelay    time.Duration
}

// NewService wires a Service.
func NewService(catalog Catalog, accounts AccountStore, ledger Ledger, now func() int64, options ...ServiceOption) (*Service, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: account store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		catalog:       catalog,
		accounts:      accounts,
		ledger:        ledger,
		nowFn:         now,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Purchase grants a package's credits against a unique payment reference.
// A reference that was already recorded is a no-op returning the current
// balance, so webhook retries never double-grant.
func (service *Service) Purchase(ctx context.Context, userID UserID, packageID PackageID, paymentReference PaymentReference) (CreditAccount, error) {
	account, granted, status, operationError := service.purchase(ctx, userID, packageID, paymentReference)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		UserID:    userID,
		PackageID: packageID.String(),
		Reference: paymentReference.String(),
		Credits:   granted,
		Status:    status,
		Error:     operationError,
	})
	return account, operationError
}

func (service *Service) purchase(ctx context.Context, userID UserID, packageID PackageID, paymentReference PaymentReference) (CreditAccount, int64, string, error) {
	creditPackage, err := service.catalog.GetPackage(ctx, packageID.String())
	if err != nil {
		return CreditAccount{}, 0, "", err
	}
	if !creditPackage.Active {
		return CreditAccount{}, 0, "", fmt.Errorf("%w: package %q is retired", ErrPackageNotFound, packageID.String())
	}
	if duplicate, found, err := service.priorEntry(ctx, userID, paymentReference.String()); err != nil {
		return CreditAccount{}, 0, "", err
	} else if found {
		return duplicate, creditPackage.Credits, operationStatusDuplicate, nil
	}
	account, err := service.swapBalance(ctx, userID.String(), creditPackage.Credits, true)
	if err != nil {
		return CreditAccount{}, 0, "", err
	}
	entry := LedgerEntry{
		UserID:         userID.String(),
		Type:           EntryPurchase,
		Delta:          creditPackage.Credits,
		PackageID:      creditPackage.PackageID,
		Reference:      paymentReference.String(),
		Description:    fmt.Sprintf("purchased %s (%d credits)", creditPackage.Name, creditPackage.Credits),
		MetadataJSON:   marshalMetadata(map[string]string{"payment_reference": paymentReference.String()}),
		CreatedUnixUTC: service.nowFn(),
	}
	status, err := service.appendAfterSwap(ctx, entry)
	if status == operationStatusDuplicate {
		account, status, err = service.reverseDuplicateSwap(ctx, userID.String(), creditPackage.Credits, true)
	}
	return account, creditPackage.Credits, status, err
}

// Consume debits credits against a booking. Insufficient balance is a
// terminal business failure and is never retried.
func (service *Service) Consume(ctx context.Context, userID UserID, amount CreditAmount, bookingID BookingID) (CreditAccount, error) {
	account, status, operationError := service.consume(ctx, userID, amount, bookingID)
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		UserID:    userID,
		BookingID: bookingID.String(),
		Credits:   amount.Int64(),
		Status:    status,
		Error:     operationError,
	})
	return account, operationError
}

func (service *Service) consume(ctx context.Context, userID UserID, amount CreditAmount, bookingID BookingID) (CreditAccount, string, error) {
	account, err := service.swapBalance(ctx, userID.String(), -amount.Int64(), false)
	if err != nil {
		return CreditAccount{}, "", err
	}
	entry := LedgerEntry{
		UserID:         userID.String(),
		Type:           EntryUse,
		Delta:          -amount.Int64(),
		BookingID:      bookingID.String(),
		Description:    fmt.Sprintf("booked %s (%d credits)", bookingID.String(), amount.Int64()),
		MetadataJSON:   marshalMetadata(map[string]string{"booking_id": bookingID.String()}),
		CreatedUnixUTC: service.nowFn(),
	}
	status, err := service.appendAfterSwap(ctx, entry)
	return account, status, err
}

// Refund returns credits for a cancelled booking. The booking id plus
// reason forms the de-duplication reference, so cancellation retries never
// double-credit. Refunds are uncapped.
func (service *Service) Refund(ctx context.Context, userID UserID, amount CreditAmount, bookingID BookingID, reason RefundReason) (CreditAccount, error) {
	account, status, operationError := service.refund(ctx, userID, amount, bookingID, reason)
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		BookingID: bookingID.String(),
		Reference: refundReference(bookingID, reason),
		Credits:   amount.Int64(),
		Status:    status,
		Error:     operationError,
	})
	return account, operationError
}

func (service *Service) refund(ctx context.Context, userID UserID, amount CreditAmount, bookingID BookingID, reason RefundReason) (CreditAccount, string, error) {
	reference := refundReference(bookingID, reason)
	if duplicate, found, err := service.priorEntry(ctx, userID, reference); err != nil {
		return CreditAccount{}, "", err
	} else if found {
		return duplicate, operationStatusDuplicate, nil
	}
	account, err := service.swapBalance(ctx, userID.String(), amount.Int64(), false)
	if err != nil {
		return CreditAccount{}, "", err
	}
	entry := LedgerEntry{
		UserID:         userID.String(),
		Type:           EntryRefund,
		Delta:          amount.Int64(),
		BookingID:      bookingID.String(),
		Reference:      reference,
		Description:    reason.String(),
		MetadataJSON:   marshalMetadata(map[string]string{"booking_id": bookingID.String(), "reason": reason.String()}),
		CreatedUnixUTC: service.nowFn(),
	}
	status, err := service.appendAfterSwap(ctx, entry)
	if status == operationStatusDuplicate {
		account, status, err = service.reverseDuplicateSwap(ctx, userID.String(), amount.Int64(), false)
	}
	return account, status, err
}

// swapBalance applies a signed delta through the bounded compare-and-swap
// loop. grantsTotal also grows the lifetime total, which only purchases do.
func (service *Service) swapBalance(ctx context.Context, userID string, delta int64, grantsTotal bool) (CreditAccount, error) {
	for attempt := 0; attempt < service.retryAttempts; attempt++ {
		account, err := service.accounts.GetAccount(ctx, userID)
		if err != nil {
			return CreditAccount{}, err
		}
		newRemaining := account.CreditsRemaining + delta
		if newRemaining < 0 {
			return CreditAccount{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, account.CreditsRemaining, -delta)
		}
		newTotal := account.CreditsTotal
		if grantsTotal {
			newTotal += delta
		}
		swapped, err := service.accounts.CompareAndSwapBalance(ctx, userID, account.CreditsRemaining, newRemaining, newTotal)
		if err != nil {
			return CreditAccount{}, err
		}
		if swapped {
			account.UserID = userID
			account.CreditsRemaining = newRemaining
			account.CreditsTotal = newTotal
			account.UpdatedUnixUTC = service.nowFn()
			return account, nil
		}
		if service.retryDelay > 0 {
			time.Sleep(service.retryDelay)
		}
	}
	return CreditAccount{}, fmt.Errorf("%w: %d attempts exhausted", ErrConcurrencyConflict, service.retryAttempts)
}

// priorEntry resolves the de-duplication pre-check: when an entry with the
// reference already exists the current balance is returned as the no-op
// result.
func (service *Service) priorEntry(ctx context.Context, userID UserID, reference string) (CreditAccount, bool, error) {
	_, found, err := service.ledger.FindByReference(ctx, userID.String(), reference)
	if err != nil {
		return CreditAccount{}, false, err
	}
	if !found {
		return CreditAccount{}, false, nil
	}
	account, err := service.accounts.GetAccount(ctx, userID.String())
	if err != nil {
		return CreditAccount{}, false, err
	}
	return account, true, nil
}

// appendAfterSwap writes the ledger entry once the balance swap has
// committed. An I/O failure here is surfaced to the operation log as a gap
// for the reconciler rather than rolled back: the swapped balance is the
// user-visible contract and the append may well have landed. A
// unique-reference rejection is different — it is a definitive verdict that
// a racing duplicate already recorded this event between the pre-check and
// here, so the caller reverses its swap via reverseDuplicateSwap.
func (service *Service) appendAfterSwap(ctx context.Context, entry LedgerEntry) (string, error) {
	if _, err := service.ledger.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return operationStatusDuplicate, nil
		}
		return operationStatusLedgerGap, nil
	}
	return operationStatusOK, nil
}

// reverseDuplicateSwap takes back the delta a losing duplicate applied
// before its append was rejected, keeping each reference to exactly one
// grant. When the compensating swap itself cannot land the drift is left
// for the reconciler to surface.
func (service *Service) reverseDuplicateSwap(ctx context.Context, userID string, delta int64, grantsTotal bool) (CreditAccount, string, error) {
	account, err := service.swapBalance(ctx, userID, -delta, grantsTotal)
	if err != nil {
		current, getErr := service.accounts.GetAccount(ctx, userID)
		if getErr != nil {
			return CreditAccount{}, operationStatusLedgerGap, getErr
		}
		return current, operationStatusLedgerGap, nil
	}
	return account, operationStatusDuplicate, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func refundReference(bookingID BookingID, reason RefundReason) string {
	return referencePrefixRefund + referenceDelimiter + bookingID.String() + referenceDelimiter + reason.String()
}

func marshalMetadata(fields map[string]string) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
