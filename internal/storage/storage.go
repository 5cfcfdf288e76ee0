// Package storage provides SQLite-backed persistence for audit tables and the order journal.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/quantpilot/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db        *sql.DB
	maxOrders int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/quantpilot/data.db.
func New(maxOrders int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "quantpilot", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxOrders: maxOrders}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_rows (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			family      TEXT NOT NULL,
			row_index   TEXT NOT NULL,
			columns     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_family ON audit_rows(family, id)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id            TEXT PRIMARY KEY,
			tick_id       TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			pair          TEXT NOT NULL,
			side          TEXT NOT NULL,
			amount        REAL NOT NULL,
			price         REAL NOT NULL,
			status        TEXT,
			order_id      INTEGER NOT NULL DEFAULT 0,
			error         TEXT,
			detail        TEXT NOT NULL DEFAULT '{}',
			submitted_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_submitted_at ON orders(submitted_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Last returns the newest audit row of a family.
func (s *Storage) Last(family string) (map[string]string, bool, error) {
	var cols string
	err := s.db.QueryRow(`
		SELECT columns FROM audit_rows WHERE family = ? ORDER BY id DESC LIMIT 1`, family).Scan(&cols)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load audit row: %w", err)
	}
	row := make(map[string]string)
	if err := json.Unmarshal([]byte(cols), &row); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal audit row: %w", err)
	}
	return row, true, nil
}

// Append stores rows under one index in a single transaction.
func (s *Storage) Append(family, index string, rows []map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal audit row: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO audit_rows (family, row_index, columns) VALUES (?,?,?)`,
			family, index, string(b)); err != nil {
			return fmt.Errorf("failed to insert audit row: %w", err)
		}
	}
	return tx.Commit()
}

// AuditRow is one stored audit row.
type AuditRow struct {
	Index   string
	Columns map[string]string
}

// Rows returns every row of a family in insertion order.
func (s *Storage) Rows(family string) ([]AuditRow, error) {
	rows, err := s.db.Query(`
		SELECT row_index, columns FROM audit_rows WHERE family = ? ORDER BY id`, family)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var cols string
		if err := rows.Scan(&r.Index, &cols); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if err := json.Unmarshal([]byte(cols), &r.Columns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddOrder journals one order outcome and trims the journal to maxOrders.
func (s *Storage) AddOrder(tickID string, o *models.OrderOutcome) error {
	detail := []byte("{}")
	if o.Detail != nil {
		b, err := json.Marshal(o.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal order detail: %w", err)
		}
		detail = b
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO orders
			(id, tick_id, symbol, pair, side, amount, price, status, order_id, error, detail, submitted_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, tickID, o.Symbol, o.Pair, o.Side, o.Amount, o.Price, o.Status, o.OrderID,
		o.Error, string(detail), o.SubmittedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if err := rotateOrders(tx, s.maxOrders); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentOrders returns up to k orders, newest first.
func (s *Storage) RecentOrders(k int) ([]models.OrderOutcome, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, pair, side, amount, price, status, order_id, error, detail, submitted_at
		FROM orders ORDER BY submitted_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []models.OrderOutcome
	for rows.Next() {
		var o models.OrderOutcome
		var status, errText sql.NullString
		var detail string
		var submittedNano int64
		err := rows.Scan(&o.ID, &o.Symbol, &o.Pair, &o.Side, &o.Amount, &o.Price,
			&status, &o.OrderID, &errText, &detail, &submittedNano)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Status = status.String
		o.Error = errText.String
		if detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &o.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal order detail: %w", err)
			}
		}
		o.SubmittedAt = time.Unix(0, submittedNano).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// RotateOrders keeps at most maxOrders newest orders by submitted_at.
func (s *Storage) RotateOrders() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := rotateOrders(tx, s.maxOrders); err != nil {
		return err
	}
	return tx.Commit()
}

func rotateOrders(tx *sql.Tx, maxOrders int) error {
	if maxOrders <= 0 {
		return nil
	}
	_, err := tx.Exec(`
		DELETE FROM orders WHERE id NOT IN (
			SELECT id FROM orders ORDER BY submitted_at DESC LIMIT ?
		)`, maxOrders)
	if err != nil {
		return fmt.Errorf("failed to rotate orders: %w", err)
	}
	return nil
}
