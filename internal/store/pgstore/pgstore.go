// Package pgstore is a raw-SQL implementation of the credit store contracts
// for deployments that run against PostgreSQL without the ORM layer.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studiorooms/credits/pkg/credits"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectCatalog   = "catalog"
	errorSubjectEntry     = "entry"
	errorSubjectSchema    = "schema"
	errorCodeDuplicate    = "duplicate"
	errorCodeEnsure       = "ensure"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSum          = "sum"
	errorCodeSwap         = "swap"
	errorCodeUpsert       = "upsert"

	sqlEnsureSchema = `
		create table if not exists credit_packages (
			package_id        text primary key,
			name              text not null,
			credits           bigint not null,
			price_cents       bigint not null,
			discount_percent  bigint not null default 0,
			active            boolean not null default true,
			created_at        timestamptz not null default now(),
			updated_at        timestamptz not null default now()
		);
		create table if not exists credit_accounts (
			user_id           text primary key,
			credits_remaining bigint not null check (credits_remaining >= 0),
			credits_total     bigint not null,
			expires_at        timestamptz,
			created_at        timestamptz not null default now(),
			updated_at        timestamptz not null default now()
		);
		create table if not exists credit_transactions (
			id          bigserial primary key,
			entry_id    uuid not null unique default gen_random_uuid(),
			user_id     text not null,
			type        text not null,
			delta       bigint not null,
			package_id  text,
			booking_id  text,
			reference   text unique,
			description text not null default '',
			metadata    jsonb not null default '{}',
			created_at  timestamptz not null default now()
		);
		create index if not exists idx_credit_tx_user_created
			on credit_transactions (user_id, created_at desc, id desc);
	`

	sqlListActivePackages = `
		select package_id, name, credits, price_cents, discount_percent, active
		from credit_packages
		where active
		order by credits asc
	`

	sqlGetPackage = `
		select package_id, name, credits, price_cents, discount_percent, active
		from credit_packages
		where package_id = $1
	`

	sqlUpsertPackage = `
		insert into credit_packages(package_id, name, credits, price_cents, discount_percent, active)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (package_id) do update set
			name = excluded.name,
			credits = excluded.credits,
			price_cents = excluded.price_cents,
			discount_percent = excluded.discount_percent,
			active = excluded.active,
			updated_at = now()
	`

	sqlGetAccount = `
		select
			user_id,
			credits_remaining,
			credits_total,
			coalesce(extract(epoch from expires_at)::bigint, 0),
			extract(epoch from updated_at)::bigint
		from credit_accounts
		where user_id = $1
	`

	sqlSwapBalance = `
		update credit_accounts
		set credits_remaining = $3, credits_total = $4, updated_at = now()
		where user_id = $1 and credits_remaining = $2
	`

	sqlInsertAccount = `
		insert into credit_accounts(user_id, credits_remaining, credits_total)
		values ($1, $2, $3)
	`

	sqlListAccounts = `
		select
			user_id,
			credits_remaining,
			credits_total,
			coalesce(extract(epoch from expires_at)::bigint, 0),
			extract(epoch from updated_at)::bigint
		from credit_accounts
		where user_id > $1
		order by user_id asc
		limit $2
	`

	sqlInsertEntry = `
		insert into credit_transactions(user_id, type, delta, package_id, booking_id, reference, description, metadata, created_at)
		values (
			$1, $2, $3,
			nullif($4, ''), nullif($5, ''), nullif($6, ''),
			$7,
			coalesce(nullif($8, ''), '{}')::jsonb,
			to_timestamp($9)
		)
		returning entry_id::text
	`

	sqlListEntries = `
		select
			entry_id::text,
			user_id,
			type,
			delta,
			coalesce(package_id, ''),
			coalesce(booking_id, ''),
			coalesce(reference, ''),
			description,
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1
		order by created_at desc, id desc
		limit $2
	`

	sqlSumForUser = `
		select coalesce(sum(delta), 0) from credit_transactions where user_id = $1
	`

	sqlFindByReference = `
		select
			entry_id::text,
			user_id,
			type,
			delta,
			coalesce(package_id, ''),
			coalesce(booking_id, ''),
			coalesce(reference, ''),
			description,
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1 and reference = $2
	`
)

// Store implements the credits store contracts over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var (
	_ credits.Catalog      = (*Store)(nil)
	_ credits.AccountStore = (*Store)(nil)
	_ credits.Ledger       = (*Store)(nil)
)

// EnsureSchema creates the tables and indexes when they do not exist.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlEnsureSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) ListActivePackages(ctx context.Context) ([]credits.CreditPackage, error) {
	rows, err := store.pool.Query(ctx, sqlListActivePackages)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	defer rows.Close()
	packages := make([]credits.CreditPackage, 0)
	for rows.Next() {
		var creditPackage credits.CreditPackage
		if err := rows.Scan(&creditPackage.PackageID, &creditPackage.Name, &creditPackage.Credits, &creditPackage.PriceCents, &creditPackage.DiscountPercent, &creditPackage.Active); err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
		}
		packages = append(packages, creditPackage)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	return packages, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID string) (credits.CreditPackage, error) {
	var creditPackage credits.CreditPackage
	err := store.pool.QueryRow(ctx, sqlGetPackage, packageID).
		Scan(&creditPackage.PackageID, &creditPackage.Name, &creditPackage.Credits, &creditPackage.PriceCents, &creditPackage.DiscountPercent, &creditPackage.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.CreditPackage{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, credits.ErrPackageNotFound)
	}
	if err != nil {
		return credits.CreditPackage{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	return creditPackage, nil
}

// UpsertPackage creates or refreshes a catalog row.
func (store *Store) UpsertPackage(ctx context.Context, creditPackage credits.CreditPackage) error {
	_, err := store.pool.Exec(ctx, sqlUpsertPackage,
		creditPackage.PackageID,
		creditPackage.Name,
		creditPackage.Credits,
		creditPackage.PriceCents,
		creditPackage.DiscountPercent,
		creditPackage.Active,
	)
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (credits.CreditAccount, error) {
	var account credits.CreditAccount
	err := store.pool.QueryRow(ctx, sqlGetAccount, userID).
		Scan(&account.UserID, &account.CreditsRemaining, &account.CreditsTotal, &account.ExpiresAtUnixUTC, &account.UpdatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.CreditAccount{UserID: userID}, nil
	}
	if err != nil {
		return credits.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) CompareAndSwapBalance(ctx context.Context, userID string, expectedRemaining, newRemaining, newTotal int64) (bool, error) {
	tag, err := store.pool.Exec(ctx, sqlSwapBalance, userID, expectedRemaining, newRemaining, newTotal)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeSwap, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if expectedRemaining != 0 {
		return false, nil
	}
	_, err = store.pool.Exec(ctx, sqlInsertAccount, userID, newRemaining, newTotal)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeSwap, err)
	}
	return true, nil
}

func (store *Store) ListAccounts(ctx context.Context, afterUserID string, limit int) ([]credits.CreditAccount, error) {
	rows, err := store.pool.Query(ctx, sqlListAccounts, afterUserID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]credits.CreditAccount, 0)
	for rows.Next() {
		var account credits.CreditAccount
		if err := rows.Scan(&account.UserID, &account.CreditsRemaining, &account.CreditsTotal, &account.ExpiresAtUnixUTC, &account.UpdatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func (store *Store) Append(ctx context.Context, entry credits.LedgerEntry) (credits.LedgerEntry, error) {
	var entryID string
	err := store.pool.QueryRow(ctx, sqlInsertEntry,
		entry.UserID,
		entry.Type.String(),
		entry.Delta,
		entry.PackageID,
		entry.BookingID,
		entry.Reference,
		entry.Description,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	).Scan(&entryID)
	if isUniqueViolation(err) {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.EntryID = entryID
	return entry, nil
}

func (store *Store) ListForUser(ctx context.Context, userID string, limit int) ([]credits.LedgerEntry, error) {
	rows, err := store.pool.Query(ctx, sqlListEntries, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]credits.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) SumForUser(ctx context.Context, userID string) (int64, error) {
	var sum int64
	if err := store.pool.QueryRow(ctx, sqlSumForUser, userID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) FindByReference(ctx context.Context, userID string, reference string) (credits.LedgerEntry, bool, error) {
	row := store.pool.QueryRow(ctx, sqlFindByReference, userID, reference)
	entry, err := scanEntry(row)
	if err != nil {
		var operationError credits.OperationError
		if errors.As(err, &operationError) && errors.Is(err, pgx.ErrNoRows) {
			return credits.LedgerEntry{}, false, nil
		}
		return credits.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (credits.LedgerEntry, error) {
	var entry credits.LedgerEntry
	var entryType string
	err := row.Scan(
		&entry.EntryID,
		&entry.UserID,
		&entryType,
		&entry.Delta,
		&entry.PackageID,
		&entry.BookingID,
		&entry.Reference,
		&entry.Description,
		&entry.MetadataJSON,
		&entry.CreatedUnixUTC,
	)
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	parsedType, err := credits.ParseEntryType(entryType)
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry.Type = parsedType
	return entry, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
