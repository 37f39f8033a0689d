package sqliteengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // dialect import
	jsoniter "github.com/json-iterator/go"

	"github.com/bibliocirc/lending-engine-go/lending"
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

	dialectSQLite = "sqlite3"
	aliasMaxID    = "max_id"

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

// Store is a SQLite implementation of lending.Store, suited for single-node
// deployments and tests. Records are stored as JSON text keyed by
// (tenant_name, id), one table per record kind. Payload predicates that
// Postgres answers with jsonb containment are applied in Go here.
type Store struct {
	db          *sql.DB
	tablePrefix string
	logger      lending.Logger
	metrics     lending.MetricsCollector
}

var _ lending.Store = Store{}

// Option defines a functional option for configuring a Store.
type Option func(*Store) error

// WithTablePrefix prepends the prefix to every table name.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) error {
		if prefix == "" {
			return lending.ErrEmptyTablePrefix
		}

		s.tablePrefix = prefix

		return nil
	}
}

// WithLogger sets the logger for the Store.
func WithLogger(logger lending.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Store.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(s *Store) error {
		s.metrics = collector
		return nil
	}
}

// NewStore creates a new Store on an open SQLite database handle with
// optional configuration.
func NewStore(db *sql.DB, options ...Option) (Store, error) {
	if db == nil {
		return Store{}, lending.ErrNilDatabaseConnection
	}

	s := Store{db: db}

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
				%s TEXT NOT NULL,
				%s INTEGER NOT NULL,
				%s TEXT NOT NULL,
				PRIMARY KEY (%s, %s)
			)`,
			table, colTenantName, colID, colPayload, colTenantName, colID,
		)

		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
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
	payloads, err := s.selectPayloads(ctx, s.table(tableUsers), tenant, query.ID)
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
	payloads, err := s.selectPayloads(ctx, s.table(tableBooks), tenant, query.ID)
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

// SearchTransactions scans the tenant's ledger and applies the user and book
// predicates on the decoded payloads.
func (s Store) SearchTransactions(ctx context.Context, tenant string, query lending.TransactionQuery) ([]lending.TransactionItem, error) {
	payloads, err := s.selectPayloads(ctx, s.table(tableTransactions), tenant, query.ID)
	if err != nil {
		return nil, err
	}

	items, err := decodeAll[lending.TransactionItem](s, payloads)
	if err != nil {
		return nil, err
	}

	filtered := make([]lending.TransactionItem, 0, len(items))
	for _, item := range items {
		if query.UserID != 0 && item.UserID != query.UserID {
			continue
		}
		if query.BookID != 0 && item.BookID != query.BookID {
			continue
		}
		filtered = append(filtered, item)
	}

	return filtered, nil
}

func (s Store) MaxTransactionID(ctx context.Context, tenant string) (uint32, error) {
	selectStmt := goqu.Dialect(dialectSQLite).
		From(s.table(tableTransactions)).
		Select(goqu.COALESCE(goqu.MAX(colID), 0).As(aliasMaxID)).
		Where(goqu.Ex{colTenantName: tenant})

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error())
		return 0, errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	row := s.db.QueryRowContext(ctx, sqlQuery)
	s.observe(s.table(tableTransactions), actionSelect, sqlQuery, time.Since(start))

	var maxID int64
	if err := row.Scan(&maxID); err != nil {
		s.logError(logMsgScanRowFailed, logAttrError, err.Error())
		return 0, errors.Join(lending.ErrScanningDBRowFailed, err)
	}

	return uint32(maxID), nil
}

func (s Store) SearchRentalSettings(ctx context.Context, tenant string) ([]lending.RentalSetting, error) {
	payloads, err := s.selectPayloads(ctx, s.table(tableRentalSettings), tenant, 0)
	if err != nil {
		return nil, err
	}

	return decodeAll[lending.RentalSetting](s, payloads)
}

func (s Store) InsertRentalSetting(ctx context.Context, tenant string, setting *lending.RentalSetting) error {
	return s.insertRecord(ctx, s.table(tableRentalSettings), tenant, setting.ID, setting)
}

func (s Store) SearchBarcodeSettings(ctx context.Context, tenant string) ([]lending.BarcodeSetting, error) {
	payloads, err := s.selectPayloads(ctx, s.table(tableBarcodeSettings), tenant, 0)
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
		deleteStmt := goqu.Dialect(dialectSQLite).
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

// selectPayloads runs a payload select ordered by id. A zero id matches the
// whole tenant.
func (s Store) selectPayloads(ctx context.Context, table string, tenant string, id uint32) ([][]byte, error) {
	where := []goqu.Expression{goqu.Ex{colTenantName: tenant}}
	if id != 0 {
		where = append(where, goqu.Ex{colID: id})
	}

	selectStmt := goqu.Dialect(dialectSQLite).
		From(table).
		Select(colPayload).
		Where(goqu.And(where...)).
		Order(goqu.I(colID).Asc())

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
		return nil, errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	rows, queryErr := s.db.QueryContext(ctx, sqlQuery)
	s.observe(table, actionSelect, sqlQuery, time.Since(start))

	if queryErr != nil {
		s.logError(logMsgDBQueryFailed, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		return nil, errors.Join(lending.ErrQueryingStoreFailed, queryErr)
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

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, errors.Join(lending.ErrQueryingStoreFailed, rowsErr)
	}

	return payloads, nil
}

func (s Store) insertRecord(ctx context.Context, table string, tenant string, id uint32, record any) error {
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return errors.Join(lending.ErrBuildingQueryFailed, marshalErr)
	}

	insertStmt := goqu.Dialect(dialectSQLite).
		Insert(table).
		Cols(colTenantName, colID, colPayload).
		Vals(goqu.Vals{tenant, id, string(payload)})

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

	updateStmt := goqu.Dialect(dialectSQLite).
		Update(table).
		Set(goqu.Record{colPayload: string(payload)}).
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
	insertStmt := goqu.Dialect(dialectSQLite).
		Insert(table).
		Cols(colTenantName, colID, colPayload).
		Vals(goqu.Vals{tenant, id, string(payload)}).
		OnConflict(goqu.DoUpdate(conflictTarget, goqu.Record{colPayload: string(payload)}))

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		s.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error(), logAttrTable, table)
		return errors.Join(lending.ErrBuildingQueryFailed, toSQLErr)
	}

	_, err := s.executeStatement(ctx, table, sqlQuery)

	return err
}

func (s Store) deleteRecord(ctx context.Context, table string, tenant string, id uint32) error {
	deleteStmt := goqu.Dialect(dialectSQLite).
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

// executeStatement executes a mutating statement and returns the rows affected.
func (s Store) executeStatement(ctx context.Context, table string, sqlQuery string) (int64, error) {
	start := time.Now()
	result, execErr := s.db.ExecContext(ctx, sqlQuery)
	s.observe(table, actionExec, sqlQuery, time.Since(start))

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

func (s Store) closeRows(rows *sql.Rows) {
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

// observe logs the SQL with timing at debug level and records the duration.
func (s Store) observe(table string, action string, sqlQuery string, duration time.Duration) {
	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+action,
			logAttrDurationMS, float64(duration.Nanoseconds())/1e6,
			logAttrQuery, sqlQuery,
		)
	}

	if s.metrics != nil {
		s.metrics.RecordDuration(metricDBOperationDuration, duration, map[string]string{
			labelTable:  table,
			labelAction: action,
		})
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
