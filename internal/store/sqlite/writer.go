package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"tickermetrics/internal/codec"
	"tickermetrics/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// TimeLayout is the text format of the datetime column. It sorts
// lexicographically in time order.
const TimeLayout = "2006-01-02 15:04:05"

// historyKeep is the number of metric rows retained per ticker.
const historyKeep = 500

// Writer owns the schema and all writes: price bars and per-run metric history.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// NewWriter opens a single-connection SQLite writer and creates the schema.
func NewWriter(dbPath string) (*Writer, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite writer opened", "path", dbPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticker_data_1m (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker     TEXT    NOT NULL,
			datetime   TEXT    NOT NULL,
			open       REAL,
			high       REAL,
			low        REAL,
			close      REAL    NOT NULL,
			volume     INTEGER,
			adj_close  REAL,
			created_at TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (ticker, datetime)
		);

		CREATE INDEX IF NOT EXISTS idx_ticker_data_1m_ticker_dt
			ON ticker_data_1m (ticker, datetime DESC);

		CREATE TABLE IF NOT EXISTS ticker_metrics (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT    NOT NULL,
			ticker     TEXT    NOT NULL,
			sma        REAL    NOT NULL,
			sma_ready  INTEGER NOT NULL,
			variance   REAL    NOT NULL DEFAULT 0,
			rsi        REAL,
			samples    INTEGER NOT NULL,
			error      TEXT,
			as_of      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ticker_metrics_ticker
			ON ticker_metrics (ticker, id DESC);
	`)
	return err
}

// InsertBars upserts bars in a single transaction.
func (w *Writer) InsertBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ticker_data_1m (ticker, datetime, open, high, low, close, volume, adj_close)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, b.Ticker, b.Time.UTC().Format(TimeLayout),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.AdjClose)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert bar %s@%s: %w", b.Ticker, b.Time.Format(TimeLayout), err)
		}
	}

	return tx.Commit()
}

// InsertPacked decodes a packed (price, volume) sample and stores it as a
// single-price bar.
func (w *Writer) InsertPacked(ctx context.Context, ticker string, ts time.Time, packed uint64) error {
	s := codec.UnpackSample(packed)
	return w.InsertBars(ctx, []model.Bar{{
		Ticker:   ticker,
		Time:     ts,
		Open:     s.Price,
		High:     s.Price,
		Low:      s.Price,
		Close:    s.Price,
		Volume:   int64(s.Volume),
		AdjClose: s.Price,
	}})
}

// WriteMetrics implements model.MetricSink by saving the run to history.
func (w *Writer) WriteMetrics(ctx context.Context, runID string, metrics []model.TickerMetric) error {
	return w.SaveMetrics(ctx, runID, metrics)
}

// SaveMetrics records every metric of a run and prunes old history.
func (w *Writer) SaveMetrics(ctx context.Context, runID string, metrics []model.TickerMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticker_metrics (run_id, ticker, sma, sma_ready, variance, rsi, samples, error, as_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range metrics {
		m := &metrics[i]
		var rsi sql.NullFloat64
		if v, ok := m.LastRSI(); ok {
			rsi = sql.NullFloat64{Float64: v, Valid: true}
		}
		var errText sql.NullString
		if m.Err != nil {
			errText = sql.NullString{String: m.Err.Error(), Valid: true}
		}
		_, err := stmt.ExecContext(ctx, runID, m.Ticker, m.Value(), m.SMAReady, m.Variance, rsi,
			m.Samples, errText, m.AsOf.UnixMilli())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert metric %s: %w", m.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	_, err = w.db.ExecContext(ctx, `
		DELETE FROM ticker_metrics WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY ticker ORDER BY id DESC) AS rn
				FROM ticker_metrics
			) WHERE rn > ?
		)
	`, historyKeep)
	if err != nil {
		slog.Warn("sqlite prune metrics", "error", err)
	}
	return nil
}

// MetricRecord is one stored row of metric history.
type MetricRecord struct {
	RunID    string    `json:"run_id"`
	Ticker   string    `json:"ticker"`
	SMA      float64   `json:"sma"`
	SMAReady bool      `json:"sma_ready"`
	Variance float64   `json:"variance"`
	RSI      *float64  `json:"rsi,omitempty"`
	Samples  int       `json:"samples"`
	Error    string    `json:"error,omitempty"`
	AsOf     time.Time `json:"as_of"`
}

// LatestMetrics returns up to n history rows for ticker, newest first.
func (w *Writer) LatestMetrics(ctx context.Context, ticker string, n int) ([]MetricRecord, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT run_id, ticker, sma, sma_ready, variance, rsi, samples, error, as_of
		FROM ticker_metrics
		WHERE ticker = ?
		ORDER BY id DESC
		LIMIT ?
	`, ticker, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticker_metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var (
			rec     MetricRecord
			rsi     sql.NullFloat64
			errText sql.NullString
			asOf    int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Ticker, &rec.SMA, &rec.SMAReady, &rec.Variance, &rsi,
			&rec.Samples, &errText, &asOf); err != nil {
			return nil, fmt.Errorf("sqlite scan ticker_metrics: %w", err)
		}
		if rsi.Valid {
			v := rsi.Float64
			rec.RSI = &v
		}
		rec.Error = errText.String
		rec.AsOf = time.UnixMilli(asOf).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
