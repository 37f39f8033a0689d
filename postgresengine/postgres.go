package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect import
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"

	"github.com/bibliocirc/lending-engine-go/lending"
	"github.com/bibliocirc/lending-engine-go/postgresengine/internal/adapters"
)

const (
	tableUsers           = "users"
	tableBooks           = "books"
	tableTransactions    = "transactions"
	tableRentalSettings  = "rental_settings"
	tableBarcodeSettings = "barcode_settings"

	colTenantName = "tenant_name"
	colID         = "id"
	colPayload    = "payload"

	dialectPostgres = "postgres"
	castJsonb       = "?::jsonb"
	aliasMaxID      = "max_id"

	logMsgBuildQueryFailed = "failed to build query"
	logMsgDBQueryFailed    = "database query execution failed"
	logMsgDBExecFailed     = "database statement execution failed"
	logMsgCloseRowsFailed  = "failed to close database rows"
	logMsgScanRowFailed    = "failed to scan database row"
	logMsgDecodeFailed     = "failed to decode record payload"
	logMsgNoRecordUpdated  = "update matched no record"
	logMsgSQLExecuted      = "executed sql for: "

	logAttrError      = "error"
	logAttrQuery      = "query"
	logAttrTable      = "table"
	logAttrTenant     = "tenant"
	logAttrDurationMS = "duration_ms"

	metricDBOperationDuration = "lending_store_operation_duration_seconds"
	labelTable                = "table"
	labelAction               = "action"

	actionSelect = "select"
	actionExec   = "exec"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is a PostgreSQL implementation of lending.Store. Every record lives
// as a jsonb payload keyed by (tenant_name, id), one table per record kind.
// It leverages a database adapter and supports configurable table prefixes,
// logging and metrics.
type Store struct {
	db          adapters.DBAdapter
	tablePrefix string
	logger      lending.Logger
	metrics     lending.MetricsCollector
}

var _ lending.Store = Store{}

// NewStoreFromPGXPool creates a new Store using a pgx pool with optional configuration.
func NewStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, lending.ErrNilDatabaseConnection
	}

	return applyOptions(Store{db: adapters.NewPGXAdapter(db)}, options)
}

// NewStoreFromSQLDB creates a new Store using a sql.DB with optional configuration.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, lending.ErrNilDatabaseConnection
	}

	return applyOptions(Store{db: adapters.NewSQLAdapter(db)}, options)
}

// NewStoreFromSQLX creates a new Store using a sqlx.DB with optional configuration.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, lending.ErrNilDatabaseConnection
	}

	return applyOptions(Store{db: adapters.NewSQLXAdapter(db)}, options)
}

func applyOptions(s Store, options []Option) (Store, error) {
	for _, option := range options {
		if err := option(&s); err != nil {
			return Store{}, err
		}
	}

	return s, nil
}

// CreateSchema creates the record tables if they do not exist yet.
// It is idempotent and safe to call on every start-up.
func (s Store) CreateSchema(ctx context.Context) error {
	for _, table := range s.allTables() {
		ddl := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				%s text NOT NULL,
				%s bigint NOT NULL,
				%s jsonb NOT NULL,
				PRIMARY KEY (%s, %s)
			)`,
			table, colTenantName, colID, colPayload, colTenantName, colID,
		)

		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return errors.Join(lending.ErrExecutingStatementFailed, err)
		}
	}

	return nil
}

func (s Store) allTables() []string {
	return []string{
		s.table(tableUsers),
		s.table(tableBooks),
		s.table(tableTransactions),
		s.table(tableRentalSettings),
		s.table(tableBarcodeSettings),
	}
}

func (s Store) table(name string) string {
	return s.tablePrefix + name
}

func (s Store) SearchUsers(ctx context.Context, tenant string, query lending.UserQuery) ([]lending.User, error) {
	where := []goqu.Expression{goqu.Ex{colTenantName: tenant}}
	if query.ID != 0 {
		where = append(where, goqu.Ex{colID: query.ID})
	}

	payloads, err := s.selectPayloads(ctx, s.table(tableUsers), where)
	if err != nil {
		return nil, err
	}

	return decodeAll[lending.User](s, payloads)
}

func (s Store) InsertUser(ctx context.Context, tenant string, user *lending.User) error {
	return s.insertRecord(ctx, s.table(tableUsers), tenant, user.ID, user)
}

func (s Store) UpdateUser(ctx context.Context, tenant string, user *lending.User) error {
	return s.updateRecord(ctx, s.table(tableUsers), tenant, user.ID, user)
}

func (s Store) DeleteUser(ctx context.Context, tenant string, id uint32) error {
	return s.deleteRecord(ctx, s.table(tableUsers), tenant, id)
}

func (s Store) SearchBooks(ctx context.Context, tenant string, query lending.BookQuery) ([]lending.Book, error) {
	where := []goqu.Expression{goqu.Ex{colTenantName: tenant}}
	if query.ID != 0 {
		where = append(where, goqu.Ex{colID: query.ID})
	}

	payloads, err := s.selectPayloads(ctx, s.table(tableBooks), where)
	if err != nil {
		return nil, err
	}

	return decodeAll[lending.Book](s, payloads)
}

func (s Store) InsertBook(ctx context.Context, tenant string, book *lending.Book) error {
	return s.insertRecord(ctx, s.table(tableBooks), tenant, book.ID, book)
}

func (s Store) UpdateBook(ctx context.Context, tenant string, book *lending.Book) error {
	return s.updateRecord(ctx, s.table(tableBooks), tenant, book.ID, book)
}

func (s Store) DeleteBook(ctx context.Context, tenant string, id uint32) error {
	return s.deleteRecord(ctx, s.table(tableBooks), tenant, id)
}

func (s Store) UpsertTransaction(ctx context.Context, tenant string, item *lending.TransactionItem) error {
	return s.upsertRecord(ctx, s.table(tableTransactions), tenant, item.ID, item)
}

// SearchTransactions filters the ledger with jsonb containment on the payload
// for the user and book predicates, and the id column for the id predicate.
func (s Store) SearchTransactions(ctx context.Context, tenant string, query lending.TransactionQuery) ([]lending.TransactionItem, error) {
	where := []goqu.Expression{goqu.Ex{colTenantName: tenant}}
	if query.ID != 0 {
		where = append(where, goqu.Ex{colID: query.ID})
	}
	if query.UserID != 0 {
		where = append(where, goqu.L(fmt.Sprintf(`%s @> '{"user_id": %d}'`, colPayload, query.UserID)))
	}
	if query.BookID != 0 {
		where = append(where, goqu.L(fmt.Sprintf(`%s @> '{"book_id": %d}'`, colPayload, query.BookID)))
	}

	payloads, err := s.selectPayloads(ctx, s.table(tableTransactions), where)
	if err != nil {
		return nil, err
	}

	return decodeAll[lending.TransactionItem](s, payloads)
}

func (s Store) MaxTransactionID(ctx context.Context, tenant string) (uint32, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(s.table(tableTransactions)).
		Select(goqu.COALESCE(goqu.MAX(colID), 0).As(aliasMaxID)).
		Where(goqu.Ex{colTenantName: tenant})

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error())
		return 0, errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, err := s.executeQuery(ctx, s.table(tableTransactions), sqlQuery)
	if err != nil {
		return 0, err
	}
	defer s.closeRows(rows)

	var maxID int64
	if rows.Next() {
		if scanErr := rows.Scan(&maxID); scanErr != nil {
			s.logError(logMsgScanRowFailed, logAttrError, scanErr.Error())
			return 0, errors.Join(lending.ErrScanningDBRowFailed, scanErr)
		}
	}

	return uint32(maxID), nil
}

func (s Store) SearchRentalSettings(ctx context.Context, tenant string) ([]lending.RentalSetting, error) {
	payloads, err := s.selectPayloads(ctx, s.table(tableRentalSettings), []goqu.Expression{goqu.Ex{colTenantName: tenant}})
	if err != nil {
		return nil, err
	}

	return decodeAll[lending.RentalSetting](s, payloads)
}

func (s Store) InsertRentalSetting(ctx context.Context, tenant string, setting *lending.RentalSetting) error {
	return s.insertRecord(ctx, s.table(tableRentalSettings), tenant, setting.ID, setting)
}

func (s Store) SearchBarcodeSettings(ctx context.Context, tenant string) ([]lending.BarcodeSetting, error) {
	payloads, err := s.selectPayloads(ctx, s.table(tableBarcodeSettings), []goqu.Expression{goqu.Ex{colTenantName: tenant}})
	if err != nil {
		return nil, err
	}

	return decodeAll[lending.BarcodeSetting](s, payloads)
}

func (s Store) InsertBarcodeSetting(ctx context.Context, tenant string, setting *lending.BarcodeSetting) error {
	return s.insertRecord(ctx, s.table(tableBarcodeSettings), tenant, setting.ID, setting)
}

// DropTenant removes every record of the tenant from all tables.
func (s Store) DropTenant(ctx context.Context, tenant string) error {
	for _, table := range s.allTables() {
		deleteStmt := goqu.Dialect(dialectPostgres).
			Delete(table).
			Where(goqu.Ex{colTenantName: tenant})

		sqlQuery, _, toSQLErr := deleteStmt.ToSQL()
		if toSQLErr != nil {
			s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
			return errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
		}

		if _, err := s.executeStatement(ctx, table, sqlQuery); err != nil {
			return err
		}
	}

	return nil
}

// selectPayloads runs a payload select ordered by id and returns the raw
// jsonb payloads.
func (s Store) selectPayloads(ctx context.Context, table string, where []goqu.Expression) ([][]byte, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(table).
		Select(colPayload).
		Where(goqu.And(where...)).
		Order(goqu.I(colID).Asc())

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
		return nil, errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, err := s.executeQuery(ctx, table, sqlQuery)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	payloads := make([][]byte, 0)

	for rows.Next() {
		var payload []byte
		if scanErr := rows.Scan(&payload); scanErr != nil {
			s.logError(logMsgScanRowFailed, logAttrError, scanErr.Error(), logAttrTable, table)
			return nil, errors.Join(lending.ErrScanningDBRowFailed, scanErr)
		}

		payloads = append(payloads, payload)
	}

	return payloads, nil
}

func (s Store) insertRecord(ctx context.Context, table string, tenant string, id uint32, record any) error {
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return errors.Join(lending.ErrBuildingQueryFailed, marshalErr)
	}

	insertStmt := goqu.Dialect(dialectPostgres).
		Insert(table).
		Cols(colTenantName, colID, colPayload).
		Vals(goqu.Vals{tenant, id, goqu.L(castJsonb, string(payload))})

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
		return errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	_, err := s.executeStatement(ctx, table, sqlQuery)

	return err
}

func (s Store) updateRecord(ctx context.Context, table string, tenant string, id uint32, record any) error {
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return errors.Join(lending.ErrBuildingQueryFailed, marshalErr)
	}

	updateStmt := goqu.Dialect(dialectPostgres).
		Update(table).
		Set(goqu.Record{colPayload: goqu.L(castJsonb, string(payload))}).
		Where(goqu.Ex{colTenantName: tenant, colID: id})

	sqlQuery, _, toSQLErr := updateStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
		return errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	rowsAffected, err := s.executeStatement(ctx, table, sqlQuery)
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		s.logWarn(logMsgNoRecordUpdated, logAttrTable, table, logAttrTenant, tenant)
		return lending.ErrNoRecordUpdated
	}

	return nil
}

func (s Store) upsertRecord(ctx context.Context, table string, tenant string, id uint32, record any) error {
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return errors.Join(lending.ErrBuildingQueryFailed, marshalErr)
	}

	conflictTarget := fmt.Sprintf("%s, %s", colTenantName, colID)
	insertStmt := goqu.Dialect(dialectPostgres).
		Insert(table).
		Cols(colTenantName, colID, colPayload).
		Vals(goqu.Vals{tenant, id, goqu.L(castJsonb, string(payload))}).
		OnConflict(goqu.DoUpdate(conflictTarget, goqu.Record{colPayload: goqu.L(castJsonb, string(payload))}))

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
		return errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	_, err := s.executeStatement(ctx, table, sqlQuery)

	return err
}

func (s Store) deleteRecord(ctx context.Context, table string, tenant string, id uint32) error {
	deleteStmt := goqu.Dialect(dialectPostgres).
		Delete(table).
		Where(goqu.Ex{colTenantName: tenant, colID: id})

	sqlQuery, _, toSQLErr := deleteStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
		return errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	_, err := s.executeStatement(ctx, table, sqlQuery)

	return err
}

// executeQuery executes a select and reports timing to the logger and metrics.
func (s Store) executeQuery(ctx context.Context, table string, sqlQuery string) (adapters.DBRows, error) {
	start := time.Now()
	rows, queryErr := s.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(sqlQuery, actionSelect, duration)
	s.recordDuration(table, actionSelect, duration)

	if queryErr != nil {
		s.logError(logMsgDBQueryFailed, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		return nil, errors.Join(lending.ErrQueryingStoreFailed, queryErr)
	}

	return rows, nil
}

// executeStatement executes a mutating statement and returns the rows affected.
func (s Store) executeStatement(ctx context.Context, table string, sqlQuery string) (int64, error) {
	start := time.Now()
	result, execErr := s.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	s.logQueryWithDuration(sqlQuery, actionExec, duration)
	s.recordDuration(table, actionExec, duration)

	if execErr != nil {
		s.logError(logMsgDBExecFailed, logAttrError, execErr.Error(), logAttrQuery, sqlQuery)
		return 0, errors.Join(lending.ErrExecutingStatementFailed, execErr)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		return 0, errors.Join(lending.ErrExecutingStatementFailed, rowsAffectedErr)
	}

	return rowsAffected, nil
}

// closeRows safely closes database rows and logs any errors.
func (s Store) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		s.logWarn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
	}
}

// decodeAll unmarshals every payload into the record type.
func decodeAll[T any](s Store, payloads [][]byte) ([]T, error) {
	records := make([]T, 0, len(payloads))

	for _, payload := range payloads {
		var record T
		if err := json.Unmarshal(payload, &record); err != nil {
			s.logError(logMsgDecodeFailed, logAttrError, err.Error())
			return nil, errors.Join(lending.ErrDecodingPayloadFailed, err)
		}

		records = append(records, record)
	}

	return records, nil
}

// logQueryWithDuration logs SQL statements with execution time at debug level.
func (s Store) logQueryWithDuration(sqlQuery string, action string, duration time.Duration) {
	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, durationToMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

func (s Store) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s Store) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}

func (s Store) recordDuration(table string, action string, duration time.Duration) {
	if s.metrics == nil {
		return
	}

	s.metrics.RecordDuration(metricDBOperationDuration, duration, map[string]string{
		labelTable:  table,
		labelAction: action,
	})
}

// durationToMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func durationToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
