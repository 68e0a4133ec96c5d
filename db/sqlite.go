package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"permnet/ml"
	"permnet/pipeline"
)

// ErrRunNotFound is returned by RunResults for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run kinds.
const (
	KindSingle = "single"
	KindBatch  = "batch"
)

const schema = `
    CREATE TABLE IF NOT EXISTS runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL UNIQUE,
        kind TEXT NOT NULL,
        source_name TEXT,
        row_count INTEGER NOT NULL,
        skipped INTEGER DEFAULT 0,
        min_k REAL,
        max_k REAL,
        created_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        idx INTEGER NOT NULL,
        porosity REAL,
        particle_ratio REAL,
        df_mean REAL,
        dp_mean REAL,
        log10k REAL,
        k REAL,
        true_k REAL,
        UNIQUE(run_id, idx)
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_run ON predictions(run_id);
    `

// Run is one stored prediction request.
type Run struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	SourceName string    `json:"source_name,omitempty"`
	RowCount   int       `json:"row_count"`
	Skipped    int       `json:"skipped"`
	MinK       *float64  `json:"min_k,omitempty"`
	MaxK       *float64  `json:"max_k,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryStore keeps past predictions in SQLite.
type HistoryStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*HistoryStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time
	database.SetMaxOpenConns(1)
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &HistoryStore{db: database, now: time.Now}, nil
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// SaveRun stores rows under a fresh run id and returns the stored run.
func (s *HistoryStore) SaveRun(ctx context.Context, kind, sourceName string, rows []pipeline.ResultRow, skipped int) (*Run, error) {
	summary := pipeline.Summarize(rows)
	run := &Run{
		RunID:      uuid.NewString(),
		Kind:       kind,
		SourceName: sourceName,
		RowCount:   len(rows),
		Skipped:    skipped,
		MinK:       summary.MinK,
		MaxK:       summary.MaxK,
		CreatedAt:  s.now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO runs (run_id, kind, source_name, row_count, skipped, min_k, max_k, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Kind, run.SourceName, run.RowCount, run.Skipped,
		nullable(run.MinK), nullable(run.MaxK), run.CreatedAt)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO predictions (
            run_id, idx, porosity, particle_ratio, df_mean, dp_mean, log10k, k, true_k
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	defer stmt.Close()

	for i, r := range rows {
		_, err := stmt.ExecContext(ctx, run.RunID, i,
			finite(r.Input.Porosity),
			finite(r.Input.ParticleRatio),
			finite(r.Input.DfMean),
			finite(r.Input.DpMean),
			finite(r.Prediction.Log10K),
			finite(r.Prediction.Permeability),
			nullable(r.TrueK),
		)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *HistoryStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, kind, source_name, row_count, skipped, min_k, max_k, created_at
        FROM runs
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// RunResults returns a run and its rows in their original order.
func (s *HistoryStore) RunResults(ctx context.Context, runID string) (*Run, []pipeline.ResultRow, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
        SELECT run_id, kind, source_name, row_count, skipped, min_k, max_k, created_at
        FROM runs
        WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT porosity, particle_ratio, df_mean, dp_mean, log10k, k, true_k
        FROM predictions
        WHERE run_id = ?
        ORDER BY idx`, runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]pipeline.ResultRow, 0, run.RowCount)
	for rows.Next() {
		var p, pr, df, dp, log10K, k, trueK sql.NullFloat64
		if err := rows.Scan(&p, &pr, &df, &dp, &log10K, &k, &trueK); err != nil {
			return nil, nil, err
		}
		r := pipeline.ResultRow{
			Input: ml.BatchRow{
				Porosity:      orNaN(p),
				ParticleRatio: orNaN(pr),
				DfMean:        orNaN(df),
				DpMean:        orNaN(dp),
			},
			Prediction: ml.PredictionResult{Log10K: orNaN(log10K), Permeability: orNaN(k)},
		}
		// non-finite K is stored as NULL; recover it from log10K
		if !k.Valid && log10K.Valid {
			r.Prediction.Permeability = math.Pow(10, log10K.Float64)
		}
		if trueK.Valid {
			v := trueK.Float64
			r.TrueK = &v
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return run, results, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var source sql.NullString
	var minK, maxK sql.NullFloat64
	if err := row.Scan(&run.RunID, &run.Kind, &source, &run.RowCount, &run.Skipped, &minK, &maxK, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.SourceName = source.String
	if minK.Valid {
		v := minK.Float64
		run.MinK = &v
	}
	if maxK.Valid {
		v := maxK.Float64
		run.MaxK = &v
	}
	return &run, nil
}

func finite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return finite(*v)
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
