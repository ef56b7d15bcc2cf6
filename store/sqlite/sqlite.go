/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract the discount engine needs using
  SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  generic.Store:                installments, counters, outbox, attachments
  generic.StudentDirectory:     students with their embedded refund ledger
  generic.FeeStructureProvider: fee structures and their rows

EMBEDDED ENTRIES:
  Discount entries live in a JSON array column on the installment row
  (discounts_json), and refund entries in a JSON column on the student row
  (refunds_json). An installment and its entries are always written
  together, so they cannot drift apart.

OPTIMISTIC VERSIONING:
  Every installment row carries a version. Commit updates with
  "WHERE id = ? AND version = ?"; a row written by someone else in between
  (a payment, another discount) makes the whole commit fail with
  ErrConcurrentModification and nothing is written.

KEY TABLES:
  installments:    one row per scheduled slice of a fee row
  budget_accounts: per-discount aggregate counters
  class_rollups:   per-(discount, section, fee structure) counters
  ledger_events:   outbox of counter and directory events, applied in seq order
  students:        directory records with has_discount and refunds_json
  fee_structures:  fee structures, rows stored as JSON
  attachments:     documents uploaded for a (discount, student)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so an
  in-memory database is shared by every caller. In production with
  PostgreSQL, database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/fees.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := discount.NewService(store, store, store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/fee-engine/generic"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	clock generic.Clock
}

var (
	_ generic.Store                = (*Store)(nil)
	_ generic.StudentDirectory     = (*Store)(nil)
	_ generic.FeeStructureProvider = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, clock: generic.SystemClock}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for updated_at and applied_at.
func (s *Store) SetClock(clock generic.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		fee_structure_id TEXT NOT NULL,
		row_id TEXT NOT NULL,
		fee_type_id TEXT NOT NULL DEFAULT '',
		schedule_date TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		total_discount_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		discounts_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Allocation and approval read a student's installments in schedule order
	CREATE INDEX IF NOT EXISTS idx_installments_student_date
		ON installments(student_id, schedule_date, id);

	-- Reconciliation scans a class
	CREATE INDEX IF NOT EXISTS idx_installments_class
		ON installments(section_id, fee_structure_id);

	CREATE TABLE IF NOT EXISTS budget_accounts (
		discount_id TEXT PRIMARY KEY,
		total_budget TEXT NOT NULL,
		allotted TEXT NOT NULL,
		remaining TEXT NOT NULL,
		total_students INTEGER NOT NULL DEFAULT 0,
		total_approved INTEGER NOT NULL DEFAULT 0,
		total_pending INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS class_rollups (
		discount_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		fee_structure_id TEXT NOT NULL,
		allotted TEXT NOT NULL,
		remaining TEXT NOT NULL,
		total_students INTEGER NOT NULL DEFAULT 0,
		total_approved INTEGER NOT NULL DEFAULT 0,
		total_pending INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (discount_id, section_id, fee_structure_id)
	);

	-- Outbox: seq gives the apply order
	CREATE TABLE IF NOT EXISTS ledger_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		discount_id TEXT NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		applied_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_events_pending
		ON ledger_events(discount_id, seq) WHERE applied_at IS NULL;

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		section_id TEXT NOT NULL,
		gender TEXT NOT NULL DEFAULT '',
		has_discount BOOLEAN NOT NULL DEFAULT FALSE,
		refunds_json TEXT NOT NULL DEFAULT '{"entries":[],"total":"0"}'
	);

	CREATE TABLE IF NOT EXISTS fee_structures (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		rows_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		discount_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attachments_owner
		ON attachments(discount_id, student_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a database transaction. The caller holds s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

const installmentColumns = `id, student_id, section_id, fee_structure_id, row_id, fee_type_id,
	schedule_date, total_amount, net_amount, paid_amount, total_discount_amount,
	status, discounts_json, version`

// Installments filters on the scalar columns in SQL and on embedded entries
// after decoding.
func (s *Store) Installments(ctx context.Context, f generic.InstallmentFilter) ([]generic.FeeInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	add("student_id", string(f.StudentID))
	add("section_id", string(f.SectionID))
	add("fee_structure_id", string(f.FeeStructureID))
	add("row_id", string(f.RowID))

	query := "SELECT " + installmentColumns + " FROM installments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY schedule_date ASC, id ASC"

	all, err := queryInstallments(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	result := all[:0]
	for _, fi := range all {
		if f.Matches(fi) {
			result = append(result, fi)
		}
	}
	return result, nil
}

func (s *Store) Installment(ctx context.Context, id generic.InstallmentID) (generic.FeeInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getInstallment(ctx, s.db, id)
}

// SaveInstallments inserts or replaces installments as given, version
// included. It is the provisioning path, not the engine's write path.
func (s *Store) SaveInstallments(ctx context.Context, installments []generic.FeeInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fi := range installments {
		if err := fi.CheckConservation(); err != nil {
			return err
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, fi := range installments {
			discounts, err := json.Marshal(entriesOrEmpty(fi.Discounts))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO installments (`+installmentColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					student_id = excluded.student_id,
					section_id = excluded.section_id,
					fee_structure_id = excluded.fee_structure_id,
					row_id = excluded.row_id,
					fee_type_id = excluded.fee_type_id,
					schedule_date = excluded.schedule_date,
					total_amount = excluded.total_amount,
					net_amount = excluded.net_amount,
					paid_amount = excluded.paid_amount,
					total_discount_amount = excluded.total_discount_amount,
					status = excluded.status,
					discounts_json = excluded.discounts_json,
					version = excluded.version
			`,
				fi.ID, fi.StudentID, fi.SectionID, fi.FeeStructureID, fi.RowID, fi.FeeTypeID,
				fi.ScheduleDate.String(),
				fi.TotalAmount.Value, fi.NetAmount.Value, fi.PaidAmount.Value, fi.TotalDiscountAmount.Value,
				fi.Status, string(discounts), fi.Version,
			)
			if err != nil {
				return fmt.Errorf("failed to save installment %s: %w", fi.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) RecordPayment(ctx context.Context, id generic.InstallmentID, amount generic.Amount) (generic.FeeInstallment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result generic.FeeInstallment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		fi, err := getInstallment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fi.ApplyPayment(amount); err != nil {
			return err
		}
		if err := updateInstallment(ctx, tx, fi); err != nil {
			return err
		}
		fi.Version++
		result = fi
		return nil
	})
	return result, err
}

// updateInstallment writes fi if the stored version still equals fi.Version.
func updateInstallment(ctx context.Context, tx *sql.Tx, fi generic.FeeInstallment) error {
	discounts, err := json.Marshal(entriesOrEmpty(fi.Discounts))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE installments SET
			net_amount = ?, paid_amount = ?, total_discount_amount = ?,
			status = ?, discounts_json = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		fi.NetAmount.Value, fi.PaidAmount.Value, fi.TotalDiscountAmount.Value,
		fi.Status, string(discounts), fi.ID, fi.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update installment %s: %w", fi.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var stored int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM installments WHERE id = ?", fi.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.NewNotFound("installment", string(fi.ID))
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("installment %s: read version %d, stored %d: %w",
		fi.ID, fi.Version, stored, generic.ErrConcurrentModification)
}

func getInstallment(ctx context.Context, q querier, id generic.InstallmentID) (generic.FeeInstallment, error) {
	fis, err := queryInstallments(ctx, q, "SELECT "+installmentColumns+" FROM installments WHERE id = ?", id)
	if err != nil {
		return generic.FeeInstallment{}, err
	}
	if len(fis) == 0 {
		return generic.FeeInstallment{}, generic.NewNotFound("installment", string(id))
	}
	return fis[0], nil
}

func queryInstallments(ctx context.Context, q querier, query string, args ...any) ([]generic.FeeInstallment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var result []generic.FeeInstallment
	for rows.Next() {
		var (
			fi            generic.FeeInstallment
			scheduleDate  string
			discountsJSON string
		)
		if err := rows.Scan(
			&fi.ID, &fi.StudentID, &fi.SectionID, &fi.FeeStructureID, &fi.RowID, &fi.FeeTypeID,
			&scheduleDate,
			&fi.TotalAmount.Value, &fi.NetAmount.Value, &fi.PaidAmount.Value, &fi.TotalDiscountAmount.Value,
			&fi.Status, &discountsJSON, &fi.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		if fi.ScheduleDate, err = generic.ParseDate(scheduleDate); err != nil {
			return nil, fmt.Errorf("installment %s: bad schedule date: %w", fi.ID, err)
		}
		if err := json.Unmarshal([]byte(discountsJSON), &fi.Discounts); err != nil {
			return nil, fmt.Errorf("installment %s: bad discounts_json: %w", fi.ID, err)
		}
		if len(fi.Discounts) == 0 {
			fi.Discounts = nil
		}
		result = append(result, fi)
	}
	return result, rows.Err()
}

func entriesOrEmpty(entries []generic.DiscountEntry) []generic.DiscountEntry {
	if entries == nil {
		return []generic.DiscountEntry{}
	}
	return entries
}

// =============================================================================
// COUNTERS
// =============================================================================

func (s *Store) CreateBudgetAccount(ctx context.Context, account generic.BudgetAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_accounts
		(discount_id, total_budget, allotted, remaining, total_students, total_approved, total_pending, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		account.DiscountID, account.TotalBudget.Value, account.Allotted.Value, account.Remaining.Value,
		account.TotalStudents, account.TotalApproved, account.TotalPending, account.Version,
		formatTime(s.clock()),
	)
	if isUniqueConstraintError(err) {
		return generic.NewValidationError("discount_id", "budget account %s already exists", account.DiscountID)
	}
	if err != nil {
		return fmt.Errorf("failed to create budget account: %w", err)
	}
	return nil
}

func (s *Store) BudgetAccount(ctx context.Context, id generic.DiscountID) (generic.BudgetAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getBudgetAccount(ctx, s.db, id)
}

func (s *Store) BudgetAccounts(ctx context.Context) ([]generic.BudgetAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+budgetColumns+" FROM budget_accounts ORDER BY discount_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query budget accounts: %w", err)
	}
	defer rows.Close()

	var result []generic.BudgetAccount
	for rows.Next() {
		acc, err := scanBudgetAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acc)
	}
	return result, rows.Err()
}

func (s *Store) ClassRollups(ctx context.Context, id generic.DiscountID) ([]generic.ClassRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+rollupColumns+` FROM class_rollups
		WHERE discount_id = ? ORDER BY section_id, fee_structure_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query class rollups: %w", err)
	}
	defer rows.Close()

	var result []generic.ClassRollup
	for rows.Next() {
		r, err := scanRollup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

const budgetColumns = `discount_id, total_budget, allotted, remaining,
	total_students, total_approved, total_pending, version, updated_at`

const rollupColumns = `discount_id, section_id, fee_structure_id, allotted, remaining,
	total_students, total_approved, total_pending, version, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func getBudgetAccount(ctx context.Context, q querier, id generic.DiscountID) (generic.BudgetAccount, error) {
	acc, err := scanBudgetAccount(q.QueryRowContext(ctx,
		"SELECT "+budgetColumns+" FROM budget_accounts WHERE discount_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.BudgetAccount{}, generic.NewNotFound("budget account", string(id))
	}
	return acc, err
}

func scanBudgetAccount(row scanner) (generic.BudgetAccount, error) {
	var (
		acc       generic.BudgetAccount
		updatedAt string
	)
	err := row.Scan(
		&acc.DiscountID, &acc.TotalBudget.Value, &acc.Allotted.Value, &acc.Remaining.Value,
		&acc.TotalStudents, &acc.TotalApproved, &acc.TotalPending, &acc.Version, &updatedAt,
	)
	if err != nil {
		return acc, err
	}
	acc.UpdatedAt = parseTime(updatedAt)
	return acc, nil
}

func scanRollup(row scanner) (generic.ClassRollup, error) {
	var (
		r         generic.ClassRollup
		updatedAt string
	)
	err := row.Scan(
		&r.Key.DiscountID, &r.Key.SectionID, &r.Key.FeeStructureID, &r.Allotted.Value, &r.Remaining.Value,
		&r.TotalStudents, &r.TotalApproved, &r.TotalPending, &r.Version, &updatedAt,
	)
	if err != nil {
		return r, err
	}
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

// eventPayload is the JSON column holding an event's kind-specific data.
type eventPayload struct {
	Budget  generic.CounterDelta   `json:"budget"`
	Rollups []generic.RollupChange `json:"rollups,omitempty"`
	Refund  *generic.RefundEntry   `json:"refund,omitempty"`
}

func (s *Store) Commit(ctx context.Context, c generic.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, fi := range c.Installments {
			if err := fi.CheckConservation(); err != nil {
				return err
			}
			if err := updateInstallment(ctx, tx, fi); err != nil {
				return err
			}
		}
		for _, ev := range c.Events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEvent(ctx context.Context, ex execer, ev generic.LedgerEvent) error {
	payload, err := json.Marshal(eventPayload{Budget: ev.Budget, Rollups: ev.Rollups, Refund: ev.Refund})
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO ledger_events (id, discount_id, student_id, kind, payload_json, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.DiscountID, ev.StudentID, ev.Kind, string(payload), ev.Attempts, ev.LastError, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert ledger event %s: %w", ev.ID, err)
	}
	return nil
}

const eventColumns = `seq, id, discount_id, student_id, kind, payload_json,
	attempts, last_error, created_at, applied_at`

func (s *Store) PendingEvents(ctx context.Context, id generic.DiscountID) ([]generic.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+` FROM ledger_events
		WHERE discount_id = ? AND applied_at IS NULL ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger events: %w", err)
	}
	defer rows.Close()

	var result []generic.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (s *Store) DiscountsWithPendingEvents(ctx context.Context) ([]generic.DiscountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT discount_id FROM ledger_events WHERE applied_at IS NULL
		GROUP BY discount_id ORDER BY MIN(seq)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending discounts: %w", err)
	}
	defer rows.Close()

	var result []generic.DiscountID
	for rows.Next() {
		var id generic.DiscountID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// ApplyCounterEvent applies a counter event and marks it applied in one
// transaction. Applying an applied event is a no-op.
func (s *Store) ApplyCounterEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev.Applied() {
			return nil
		}
		if ev.Kind != generic.EventCounterDelta {
			return generic.NewValidationError("kind", "event %s is %s, not a counter event", eventID, ev.Kind)
		}

		acc, err := getBudgetAccount(ctx, tx, ev.DiscountID)
		if err != nil {
			return err
		}
		now := formatTime(s.clock())
		c := acc.Counters.Apply(ev.Budget)
		if _, err := tx.ExecContext(ctx, `
			UPDATE budget_accounts SET
				allotted = ?, remaining = ?, total_students = ?, total_approved = ?, total_pending = ?,
				version = version + 1, updated_at = ?
			WHERE discount_id = ?
		`, c.Allotted.Value, c.Remaining.Value, c.TotalStudents, c.TotalApproved, c.TotalPending,
			now, ev.DiscountID); err != nil {
			return fmt.Errorf("failed to update budget account: %w", err)
		}

		for _, rc := range ev.Rollups {
			if err := applyRollup(ctx, tx, rc, now); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, "UPDATE ledger_events SET applied_at = ? WHERE id = ?", now, eventID)
		return err
	})
}

// applyRollup creates the rollup on first use.
func applyRollup(ctx context.Context, tx *sql.Tx, rc generic.RollupChange, now string) error {
	k := rc.Key
	r, err := scanRollup(tx.QueryRowContext(ctx, "SELECT "+rollupColumns+` FROM class_rollups
		WHERE discount_id = ? AND section_id = ? AND fee_structure_id = ?`,
		k.DiscountID, k.SectionID, k.FeeStructureID))
	if errors.Is(err, sql.ErrNoRows) {
		r = generic.NewClassRollup(k)
	} else if err != nil {
		return fmt.Errorf("failed to read rollup %s: %w", k, err)
	}
	c := r.Counters.Apply(rc.Delta)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO class_rollups (`+rollupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(discount_id, section_id, fee_structure_id) DO UPDATE SET
			allotted = excluded.allotted,
			remaining = excluded.remaining,
			total_students = excluded.total_students,
			total_approved = excluded.total_approved,
			total_pending = excluded.total_pending,
			version = class_rollups.version + 1,
			updated_at = excluded.updated_at
	`, k.DiscountID, k.SectionID, k.FeeStructureID, c.Allotted.Value, c.Remaining.Value,
		c.TotalStudents, c.TotalApproved, c.TotalPending, now)
	if err != nil {
		return fmt.Errorf("failed to write rollup %s: %w", k, err)
	}
	return nil
}

func (s *Store) MarkEventApplied(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE ledger_events SET applied_at = COALESCE(applied_at, ?) WHERE id = ?",
		formatTime(s.clock()), eventID)
	return requireRow(res, err, "ledger event", eventID)
}

func (s *Store) MarkEventFailed(ctx context.Context, eventID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE ledger_events SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		reason, eventID)
	return requireRow(res, err, "ledger event", eventID)
}

func getEvent(ctx context.Context, q querier, id string) (generic.LedgerEvent, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM ledger_events WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, generic.NewNotFound("ledger event", id)
	}
	return ev, err
}

func scanEvent(row scanner) (generic.LedgerEvent, error) {
	var (
		ev        generic.LedgerEvent
		payload   string
		createdAt string
		appliedAt sql.NullString
	)
	if err := row.Scan(
		&ev.Seq, &ev.ID, &ev.DiscountID, &ev.StudentID, &ev.Kind, &payload,
		&ev.Attempts, &ev.LastError, &createdAt, &appliedAt,
	); err != nil {
		return ev, err
	}

	var p eventPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ev, fmt.Errorf("ledger event %s: bad payload: %w", ev.ID, err)
	}
	ev.Budget, ev.Rollups, ev.Refund = p.Budget, p.Rollups, p.Refund
	ev.CreatedAt = parseTime(createdAt)
	if appliedAt.Valid {
		t := parseTime(appliedAt.String)
		ev.AppliedAt = &t
	}
	return ev, nil
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

func (s *Store) SaveAttachment(ctx context.Context, a generic.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, discount_id, student_id, name, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, url = excluded.url
	`, a.ID, a.DiscountID, a.StudentID, a.Name, a.URL, formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}
	return nil
}

func (s *Store) Attachments(ctx context.Context, discountID generic.DiscountID, studentID generic.StudentID) ([]generic.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, discount_id, student_id, name, url FROM attachments
		WHERE discount_id = ? AND student_id = ? ORDER BY created_at, id
	`, discountID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var result []generic.Attachment
	for rows.Next() {
		var a generic.Attachment
		if err := rows.Scan(&a.ID, &a.DiscountID, &a.StudentID, &a.Name, &a.URL); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) ClearAttachments(ctx context.Context, discountID generic.DiscountID, studentID generic.StudentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM attachments WHERE discount_id = ? AND student_id = ?", discountID, studentID)
	return err
}

// =============================================================================
// STUDENT DIRECTORY (generic.StudentDirectory interface)
// =============================================================================

// SaveStudent inserts or replaces a student.
func (s *Store) SaveStudent(ctx context.Context, st generic.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refunds, err := json.Marshal(normalizeLedger(st.Refunds))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, section_id, gender, has_discount, refunds_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			section_id = excluded.section_id,
			gender = excluded.gender,
			has_discount = excluded.has_discount,
			refunds_json = excluded.refunds_json
	`, st.ID, st.Name, st.SectionID, st.Gender, st.HasDiscount, string(refunds))
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (s *Store) Students(ctx context.Context, ids []generic.StudentID) ([]generic.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]generic.Student, 0, len(ids))
	for _, id := range ids {
		st, err := getStudent(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, nil
}

func (s *Store) SetHasDiscount(ctx context.Context, id generic.StudentID, hasDiscount bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE students SET has_discount = ? WHERE id = ?", hasDiscount, id)
	return requireRow(res, err, "student", string(id))
}

func (s *Store) AppendRefund(ctx context.Context, id generic.StudentID, entry generic.RefundEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateRefunds(ctx, id, func(rl *generic.RefundLedger) {
		rl.Append(entry)
	})
}

func (s *Store) RemovePendingRefunds(ctx context.Context, id generic.StudentID, discountID generic.DiscountID) (generic.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := generic.ZeroAmount()
	err := s.updateRefunds(ctx, id, func(rl *generic.RefundLedger) {
		removed = rl.RemovePending(discountID)
	})
	return removed, err
}

func (s *Store) updateRefunds(ctx context.Context, id generic.StudentID, fn func(*generic.RefundLedger)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := getStudent(ctx, tx, id)
		if err != nil {
			return err
		}
		fn(&st.Refunds)
		refunds, err := json.Marshal(normalizeLedger(st.Refunds))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE students SET refunds_json = ? WHERE id = ?", string(refunds), id)
		return err
	})
}

func getStudent(ctx context.Context, q querier, id generic.StudentID) (generic.Student, error) {
	var (
		st      generic.Student
		refunds string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, section_id, gender, has_discount, refunds_json FROM students WHERE id = ?
	`, id).Scan(&st.ID, &st.Name, &st.SectionID, &st.Gender, &st.HasDiscount, &refunds)
	if errors.Is(err, sql.ErrNoRows) {
		return st, generic.NewNotFound("student", string(id))
	}
	if err != nil {
		return st, fmt.Errorf("failed to get student: %w", err)
	}
	if err := json.Unmarshal([]byte(refunds), &st.Refunds); err != nil {
		return st, fmt.Errorf("student %s: bad refunds_json: %w", id, err)
	}
	if len(st.Refunds.Entries) == 0 {
		st.Refunds.Entries = nil
	}
	return st, nil
}

func normalizeLedger(rl generic.RefundLedger) generic.RefundLedger {
	if rl.Entries == nil {
		rl.Entries = []generic.RefundEntry{}
	}
	return rl
}

// =============================================================================
// FEE STRUCTURES (generic.FeeStructureProvider interface)
// =============================================================================

func (s *Store) SaveFeeStructure(ctx context.Context, fs generic.FeeStructure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := json.Marshal(fs.Rows)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fee_structures (id, name, rows_json) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, rows_json = excluded.rows_json
	`, fs.ID, fs.Name, string(rows))
	if err != nil {
		return fmt.Errorf("failed to save fee structure: %w", err)
	}
	return nil
}

func (s *Store) FeeStructure(ctx context.Context, id generic.FeeStructureID) (generic.FeeStructure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		fs   generic.FeeStructure
		rows string
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, name, rows_json FROM fee_structures WHERE id = ?", id).
		Scan(&fs.ID, &fs.Name, &rows)
	if errors.Is(err, sql.ErrNoRows) {
		return fs, generic.NewNotFound("fee structure", string(id))
	}
	if err != nil {
		return fs, fmt.Errorf("failed to get fee structure: %w", err)
	}
	if err := json.Unmarshal([]byte(rows), &fs.Rows); err != nil {
		return fs, fmt.Errorf("fee structure %s: bad rows_json: %w", id, err)
	}
	return fs, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"installments", "budget_accounts", "class_rollups", "ledger_events",
			"students", "fee_structures", "attachments",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func requireRow(res sql.Result, err error, resource, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.NewNotFound(resource, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
