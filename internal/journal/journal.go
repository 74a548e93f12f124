// Package journal keeps an append-only SQLite audit trail of decision cycles.
// Nothing in the decision path reads it back.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"momentum_trader/internal/core"
	"momentum_trader/internal/trading/orchestrator"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol      TEXT    NOT NULL,
	started_at  INTEGER NOT NULL,
	candle_at   INTEGER,
	action      TEXT    NOT NULL,
	unprotected INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	data        TEXT    NOT NULL,
	checksum    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_symbol_started ON cycles (symbol, started_at);
`

// Entry is the persisted form of one cycle report
type Entry struct {
	ID          int64             `json:"-"`
	Symbol      string            `json:"symbol"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	CandleAt    time.Time         `json:"candle_at"`
	Position    string            `json:"position"`
	Balance     string            `json:"balance"`
	Indicators  map[string]string `json:"indicators,omitempty"`
	Action      core.Action       `json:"action"`
	Reason      string            `json:"reason,omitempty"`
	Amount      string            `json:"amount,omitempty"`
	TakeProfit  string            `json:"take_profit,omitempty"`
	StopLoss    string            `json:"stop_loss,omitempty"`
	Orders      []OrderEntry      `json:"orders,omitempty"`
	Unprotected bool              `json:"unprotected"`
	Error       string            `json:"error,omitempty"`
}

// OrderEntry records one submitted intent and what the venue answered
type OrderEntry struct {
	Role          core.OrderRole `json:"role"`
	Side          core.OrderSide `json:"side"`
	Quantity      string         `json:"quantity"`
	TriggerPrice  string         `json:"trigger_price,omitempty"`
	ClientOrderID string         `json:"client_order_id"`
	OrderID       int64          `json:"order_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	ExecutedQty   string         `json:"executed_qty,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// FromReport flattens a cycle report into a journal entry
func FromReport(r *orchestrator.CycleReport) Entry {
	e := Entry{
		Symbol:      r.Symbol,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
		CandleAt:    r.CandleAt.UTC(),
		Position:    "flat",
		Balance:     r.Balance.String(),
		Indicators:  r.Indicators,
		Action:      r.Decision.Action,
		Reason:      r.Decision.Reason,
		Unprotected: r.Unprotected(),
	}
	if e.Action == "" {
		e.Action = core.ActionNone
	}
	if r.Position != nil && !r.Position.IsFlat() {
		e.Position = r.Position.Size.String()
	}
	if !r.Decision.Amount.IsZero() {
		e.Amount = r.Decision.Amount.String()
	}
	if r.Decision.TakeProfit != nil {
		e.TakeProfit = r.Decision.TakeProfit.String()
	}
	if r.Decision.StopLoss != nil {
		e.StopLoss = r.Decision.StopLoss.String()
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}

	if r.Execution != nil {
		for _, o := range r.Execution.Outcomes {
			oe := OrderEntry{
				Role:          o.Intent.Role,
				Side:          o.Intent.Side,
				Quantity:      o.Intent.Quantity.String(),
				ClientOrderID: o.Intent.ClientOrderID,
			}
			if o.Intent.TriggerPrice != nil {
				oe.TriggerPrice = o.Intent.TriggerPrice.String()
			}
			if o.Result != nil {
				oe.OrderID = o.Result.OrderID
				oe.Status = o.Result.Status
				oe.ExecutedQty = o.Result.ExecutedQty.String()
			}
			if o.Err != nil {
				oe.Error = o.Err.Error()
			}
			e.Orders = append(e.Orders, oe)
		}
	}
	return e
}

// SQLiteJournal appends cycle entries to a SQLite database
type SQLiteJournal struct {
	db *sql.DB
}

// Open creates or opens the journal at path and ensures the schema exists
func Open(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Record appends one cycle report
func (j *SQLiteJournal) Record(ctx context.Context, r *orchestrator.CycleReport) error {
	e := FromReport(r)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	sum := sha256.Sum256(data)

	var candleAt sql.NullInt64
	if !r.CandleAt.IsZero() {
		candleAt = sql.NullInt64{Int64: r.CandleAt.UnixMilli(), Valid: true}
	}
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}

	const query = `INSERT INTO cycles (symbol, started_at, candle_at, action, unprotected, error, data, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, query,
		e.Symbol, e.StartedAt.UnixNano(), candleAt, string(e.Action), e.Unprotected, errText,
		string(data), hex.EncodeToString(sum[:]))
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for symbol, newest first. Entries whose
// checksum does not match their data are reported as an error.
func (j *SQLiteJournal) Recent(ctx context.Context, symbol string, limit int) ([]Entry, error) {
	const query = `SELECT id, data, checksum FROM cycles WHERE symbol = ? ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var id int64
		var data, checksum string
		if err := rows.Scan(&id, &data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}

		sum := sha256.Sum256([]byte(data))
		if hex.EncodeToString(sum[:]) != checksum {
			return nil, fmt.Errorf("journal entry %d: checksum verification failed", id)
		}

		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", id, err)
		}
		e.ID = id
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
