// cmd/seed loads 1-minute OHLCV bars into the SQLite price store.
//
// Input is CSV with a header row:
//
//	ticker,datetime,open,high,low,close,volume
//
// With --packed the CSV holds packed samples instead, either as the raw
// 64-bit word or as a price and volume to pack:
//
//	ticker,datetime,packed
//	ticker,datetime,price,volume
//
// Usage:
//
//	go run ./cmd/seed --db=dbs/ticker_data_1m.db --csv=bars.csv
//	go run ./cmd/seed --csv=samples.csv --packed
//	go run ./cmd/seed --synthetic=200 --tickers=AAPL,MSFT
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tickermetrics/config"
	"tickermetrics/internal/codec"
	"tickermetrics/internal/logger"
	"tickermetrics/internal/model"
	sqlitestore "tickermetrics/internal/store/sqlite"
)

const insertChunk = 1000

func main() {
	dbPath := flag.String("db", config.DefaultSQLitePath, "Path to SQLite database")
	csvPath := flag.String("csv", "", "CSV file to load (- for stdin)")
	synthetic := flag.Int("synthetic", 0, "Generate N random-walk bars per ticker instead of reading CSV")
	tickers := flag.String("tickers", "AAPL,MSFT,GOOG", "Tickers for --synthetic")
	packed := flag.Bool("packed", false, "CSV rows are packed (price, volume) samples")
	flag.Parse()

	log := logger.Init("seed", slog.LevelInfo)

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		log.Error("create db dir failed", "error", err)
		os.Exit(1)
	}
	w, err := sqlitestore.NewWriter(*dbPath)
	if err != nil {
		log.Error("sqlite open failed", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	ctx := context.Background()
	var bars []model.Bar
	switch {
	case *synthetic > 0:
		bars = randomWalk(config.ParseTickers(*tickers), *synthetic, time.Now().UTC().Truncate(time.Minute))
	case *csvPath != "":
		in := os.Stdin
		if *csvPath != "-" {
			f, err := os.Open(*csvPath)
			if err != nil {
				log.Error("open csv failed", "error", err)
				os.Exit(1)
			}
			defer f.Close()
			in = f
		}
		if *packed {
			n, err := loadPacked(ctx, w, in)
			if err != nil {
				log.Error("load packed samples failed", "error", err, "stored", n)
				os.Exit(1)
			}
			log.Info("seed complete", "samples", n, "db", *dbPath)
			return
		}
		bars, err = readBars(in)
		if err != nil {
			log.Error("parse csv failed", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "one of --csv or --synthetic is required")
		flag.Usage()
		os.Exit(2)
	}

	for start := 0; start < len(bars); start += insertChunk {
		end := min(start+insertChunk, len(bars))
		if err := w.InsertBars(ctx, bars[start:end]); err != nil {
			log.Error("insert failed", "error", err, "offset", start)
			os.Exit(1)
		}
	}
	log.Info("seed complete", "bars", len(bars), "db", *dbPath)
}

// readBars parses the CSV body. Rows with a blank ticker are skipped.
func readBars(r io.Reader) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 7
	cr.TrimLeadingSpace = true

	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	var bars []model.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return bars, nil
		}
		if err != nil {
			return nil, err
		}
		b, err := parseBar(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if b.Ticker == "" {
			continue
		}
		bars = append(bars, b)
	}
}

func parseBar(rec []string) (model.Bar, error) {
	ts, err := parseTime(rec[1])
	if err != nil {
		return model.Bar{}, err
	}
	var f [4]float64
	for i := range f {
		if f[i], err = strconv.ParseFloat(rec[2+i], 64); err != nil {
			return model.Bar{}, fmt.Errorf("column %d: %w", 3+i, err)
		}
	}
	vol, err := strconv.ParseInt(rec[6], 10, 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("volume: %w", err)
	}
	return model.Bar{
		Ticker:   strings.ToUpper(strings.TrimSpace(rec[0])),
		Time:     ts.UTC(),
		Open:     f[0],
		High:     f[1],
		Low:      f[2],
		Close:    f[3],
		Volume:   vol,
		AdjClose: f[3],
	}, nil
}

// parseTime accepts the store's layout or RFC 3339.
func parseTime(v string) (time.Time, error) {
	ts, err := time.Parse(sqlitestore.TimeLayout, v)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}, fmt.Errorf("datetime %q: %w", v, err)
		}
	}
	return ts.UTC(), nil
}

// randomWalk builds n bars per ticker ending at end.
func randomWalk(tickers []string, n int, end time.Time) []model.Bar {
	bars := make([]model.Bar, 0, len(tickers)*n)
	for _, t := range tickers {
		price := 50 + rand.Float64()*150
		for i := range n {
			open := price
			price = max(0.01, price*(1+rand.NormFloat64()*0.002))
			bars = append(bars, model.Bar{
				Ticker:   t,
				Time:     end.Add(time.Duration(i-n+1) * time.Minute),
				Open:     open,
				High:     max(open, price) * 1.0005,
				Low:      min(open, price) * 0.9995,
				Close:    price,
				Volume:   int64(100 + rand.IntN(10000)),
				AdjClose: price,
			})
		}
	}
	return bars
}

// packedSample is one row of a packed-sample CSV.
type packedSample struct {
	Ticker string
	Time   time.Time
	Packed uint64
}

// readPacked parses a packed-sample CSV. Price/volume rows are packed with
// range checking, so prices the 16-bit field cannot hold are rejected.
func readPacked(r io.Reader) ([]packedSample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	var out []packedSample
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		s, err := parsePacked(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, s)
	}
}

func parsePacked(rec []string) (packedSample, error) {
	if len(rec) != 3 && len(rec) != 4 {
		return packedSample{}, fmt.Errorf("want 3 or 4 columns, got %d", len(rec))
	}
	ts, err := parseTime(rec[1])
	if err != nil {
		return packedSample{}, err
	}
	s := packedSample{Ticker: strings.ToUpper(strings.TrimSpace(rec[0])), Time: ts}
	if s.Ticker == "" {
		return packedSample{}, errors.New("empty ticker")
	}

	if len(rec) == 3 {
		if s.Packed, err = strconv.ParseUint(rec[2], 10, 64); err != nil {
			return packedSample{}, fmt.Errorf("packed: %w", err)
		}
		return s, nil
	}
	price, err := strconv.ParseFloat(rec[2], 64)
	if err != nil {
		return packedSample{}, fmt.Errorf("price: %w", err)
	}
	vol, err := strconv.ParseUint(rec[3], 10, 64)
	if err != nil {
		return packedSample{}, fmt.Errorf("volume: %w", err)
	}
	if s.Packed, err = codec.PackChecked(price, vol); err != nil {
		return packedSample{}, err
	}
	return s, nil
}

// loadPacked stores every sample of r and returns how many were written.
func loadPacked(ctx context.Context, w *sqlitestore.Writer, r io.Reader) (int, error) {
	samples, err := readPacked(r)
	if err != nil {
		return 0, err
	}
	for i, s := range samples {
		if err := w.InsertPacked(ctx, s.Ticker, s.Time, s.Packed); err != nil {
			return i, fmt.Errorf("insert %s@%s: %w", s.Ticker, s.Time.Format(sqlitestore.TimeLayout), err)
		}
	}
	return len(samples), nil
}
