package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/studiorooms/credits/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectCatalog   = "catalog"
	errorSubjectEntry     = "entry"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSum          = "sum"
	errorCodeSwap         = "swap"
	errorCodeUpsert       = "upsert"
)

// Store implements the credits store contracts using GORM, against either
// postgres or sqlite.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var (
	_ credits.Catalog      = (*Store)(nil)
	_ credits.AccountStore = (*Store)(nil)
	_ credits.Ledger       = (*Store)(nil)
)

func (store *Store) ListActivePackages(ctx context.Context) ([]credits.CreditPackage, error) {
	var rows []CreditPackage
	err := store.db.WithContext(ctx).
		Where("active = ?", true).
		Order("credits ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	packages := make([]credits.CreditPackage, 0, len(rows))
	for _, row := range rows {
		packages = append(packages, mapPackage(row))
	}
	return packages, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID string) (credits.CreditPackage, error) {
	var row CreditPackage
	err := store.db.WithContext(ctx).Where("package_id = ?", packageID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.CreditPackage{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, credits.ErrPackageNotFound)
	}
	if err != nil {
		return credits.CreditPackage{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	return mapPackage(row), nil
}

// UpsertPackage creates or refreshes a catalog row. Catalog writes are an
// administrative concern and never flow through the ledger service.
func (store *Store) UpsertPackage(ctx context.Context, creditPackage credits.CreditPackage) error {
	row := CreditPackage{
		PackageID:       creditPackage.PackageID,
		Name:            creditPackage.Name,
		Credits:         creditPackage.Credits,
		PriceCents:      creditPackage.PriceCents,
		DiscountPercent: creditPackage.DiscountPercent,
		Active:          creditPackage.Active,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "package_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "credits", "price_cents", "discount_percent", "active", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (credits.CreditAccount, error) {
	var row CreditAccount
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.CreditAccount{UserID: userID}, nil
	}
	if err != nil {
		return credits.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(row), nil
}

// CompareAndSwapBalance conditions the write on the remaining balance last
// read. The row is created lazily on an account's first successful swap; a
// unique-key rejection on that insert means a concurrent creator won and is
// reported as an ordinary swap miss.
func (store *Store) CompareAndSwapBalance(ctx context.Context, userID string, expectedRemaining, newRemaining, newTotal int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND credits_remaining = ?", userID, expectedRemaining).
		Updates(map[string]interface{}{
			"credits_remaining": newRemaining,
			"credits_total":     newTotal,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeSwap, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if expectedRemaining != 0 {
		return false, nil
	}
	row := CreditAccount{
		UserID:           userID,
		CreditsRemaining: newRemaining,
		CreditsTotal:     newTotal,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeSwap, err)
	}
	return true, nil
}

func (store *Store) ListAccounts(ctx context.Context, afterUserID string, limit int) ([]credits.CreditAccount, error) {
	var rows []CreditAccount
	err := store.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]credits.CreditAccount, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, mapAccount(row))
	}
	return accounts, nil
}

func (store *Store) Append(ctx context.Context, entry credits.LedgerEntry) (credits.LedgerEntry, error) {
	row := CreditTransaction{
		EntryID:     entry.EntryID,
		UserID:      entry.UserID,
		Type:        entry.Type.String(),
		Delta:       entry.Delta,
		PackageID:   optionalString(entry.PackageID),
		BookingID:   optionalString(entry.BookingID),
		Reference:   optionalString(entry.Reference),
		Description: entry.Description,
		Metadata:    datatypesJSON(entry.MetadataJSON),
		CreatedAt:   time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapTransaction(row)
}

func (store *Store) ListForUser(ctx context.Context, userID string, limit int) ([]credits.LedgerEntry, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumForUser(ctx context.Context, userID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(delta),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) FindByReference(ctx context.Context, userID string, reference string) (credits.LedgerEntry, bool, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND reference = ?", userID, reference).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.LedgerEntry{}, false, nil
	}
	if err != nil {
		return credits.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapTransaction(row)
	if err != nil {
		return credits.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

type sqlSum struct {
	Total int64
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapPackage(row CreditPackage) credits.CreditPackage {
	return credits.CreditPackage{
		PackageID:       row.PackageID,
		Name:            row.Name,
		Credits:         row.Credits,
		PriceCents:      row.PriceCents,
		DiscountPercent: row.DiscountPercent,
		Active:          row.Active,
	}
}

func mapAccount(row CreditAccount) credits.CreditAccount {
	return credits.CreditAccount{
		UserID:           row.UserID,
		CreditsRemaining: row.CreditsRemaining,
		CreditsTotal:     row.CreditsTotal,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		UpdatedUnixUTC:   row.UpdatedAt.Unix(),
	}
}

func mapTransaction(row CreditTransaction) (credits.LedgerEntry, error) {
	entryType, err := credits.ParseEntryType(row.Type)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	return credits.LedgerEntry{
		EntryID:        row.EntryID,
		UserID:         row.UserID,
		Type:           entryType,
		Delta:          row.Delta,
		PackageID:      stringOrEmpty(row.PackageID),
		BookingID:      stringOrEmpty(row.BookingID),
		Reference:      stringOrEmpty(row.Reference),
		Description:    row.Description,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
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
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
