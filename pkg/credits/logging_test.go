package credits

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsPurchaseOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addPackage(fiveCreditPackage())
	recorder := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(recorder))
	userID := mustUserID(test, "u1")

	if _, err := service.Purchase(context.Background(), userID, mustPackageID(test, "pkg_5credits"), mustPaymentReference(test, "pay_1")); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != operationPurchase || entry.UserID != userID || entry.Credits != 5 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.PackageID != "pkg_5credits" || entry.Reference != "pay_1" {
		test.Fatalf("log entry missing references: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	recorder := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(recorder))

	_, err := service.Consume(context.Background(), mustUserID(test, "u1"), mustCreditAmount(test, 1), mustBookingID(test, "booking_1"))
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(recorder.entries))
	}
	if recorder.entries[0].Status != operationStatusError || recorder.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", recorder.entries[0])
	}
}

func TestServiceLogsDuplicateStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addPackage(fiveCreditPackage())
	recorder := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(recorder))
	userID := mustUserID(test, "u1")
	reference := mustPaymentReference(test, "pay_1")

	if _, err := service.Purchase(context.Background(), userID, mustPackageID(test, "pkg_5credits"), reference); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := service.Purchase(context.Background(), userID, mustPackageID(test, "pkg_5credits"), reference); err != nil {
		test.Fatalf("duplicate purchase: %v", err)
	}
	if len(recorder.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(recorder.entries))
	}
	if recorder.entries[1].Status != operationStatusDuplicate {
		test.Fatalf("expected duplicate status, got %+v", recorder.entries[1])
	}
}
