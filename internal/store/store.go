// Package store persists sweeps, their per-run results and the cached initial
// parameter values in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/QianWanghhu/oconnell-runner/internal/params"
	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/timeutil"
)

// ErrNotFound is returned when a sweep does not exist.
var ErrNotFound = errors.New("sweep not found")

// Sweep statuses stored in the sweeps table.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Store wraps the result database.
type Store struct {
	*sql.DB
	Clock timeutil.Clock
	path  string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Store{DB: db, Clock: timeutil.RealClock{}, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Sweep is one recorded sweep.
type Sweep struct {
	SweepID       string     `json:"sweep_id"`
	Status        string     `json:"status"`
	Node          string     `json:"node"`
	Variable      string     `json:"variable"`
	Quantiles     []float64  `json:"quantiles"`
	ResetMode     string     `json:"reset_mode"`
	BatchSize     int        `json:"batch_size"`
	SampleCount   int        `json:"sample_count"`
	ParameterFile string     `json:"parameter_file,omitempty"`
	SamplesFile   string     `json:"samples_file,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// CreateSweep inserts a running sweep. If SweepID is empty, a UUID is generated.
func (s *Store) CreateSweep(ctx context.Context, sw *Sweep) error {
	if sw.SweepID == "" {
		sw.SweepID = uuid.New().String()
	}
	if sw.StartedAt.IsZero() {
		sw.StartedAt = s.Clock.Now()
	}
	sw.Status = StatusRunning
	levels, err := json.Marshal(sw.Quantiles)
	if err != nil {
		return fmt.Errorf("encode quantile levels: %w", err)
	}
	_, err = s.ExecContext(ctx, `
		INSERT INTO sweeps (
			sweep_id, status, node, variable, quantiles_json, reset_mode,
			batch_size, sample_count, parameter_file, samples_file, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.SweepID, sw.Status, sw.Node, sw.Variable, string(levels), sw.ResetMode,
		sw.BatchSize, sw.SampleCount, sw.ParameterFile, sw.SamplesFile, sw.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert sweep: %w", err)
	}
	return nil
}

// FinishSweep marks a sweep complete, or failed when runErr is non-nil.
func (s *Store) FinishSweep(ctx context.Context, sweepID string, runErr error) error {
	status, msg := StatusComplete, ""
	if runErr != nil {
		status, msg = StatusError, runErr.Error()
	}
	res, err := s.ExecContext(ctx,
		`UPDATE sweeps SET status = ?, error = ?, completed_at = ? WHERE sweep_id = ?`,
		status, msg, s.Clock.Now().UnixNano(), sweepID)
	if err != nil {
		return fmt.Errorf("finish sweep: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish sweep %s: %w", sweepID, ErrNotFound)
	}
	return nil
}

const sweepColumns = `sweep_id, status, node, variable, quantiles_json, reset_mode,
	batch_size, sample_count, parameter_file, samples_file, started_at, completed_at, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSweep(row scanner) (*Sweep, error) {
	var (
		sw                  Sweep
		levels              string
		paramFile, sampFile sql.NullString
		startedAt           int64
		completedAt         sql.NullInt64
		errMsg              sql.NullString
	)
	if err := row.Scan(&sw.SweepID, &sw.Status, &sw.Node, &sw.Variable, &levels, &sw.ResetMode,
		&sw.BatchSize, &sw.SampleCount, &paramFile, &sampFile, &startedAt, &completedAt, &errMsg); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(levels), &sw.Quantiles); err != nil {
		return nil, fmt.Errorf("decode quantile levels of %s: %w", sw.SweepID, err)
	}
	sw.ParameterFile = paramFile.String
	sw.SamplesFile = sampFile.String
	sw.StartedAt = time.Unix(0, startedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		sw.CompletedAt = &t
	}
	sw.Error = errMsg.String
	return &sw, nil
}

// GetSweep returns a single sweep by ID.
func (s *Store) GetSweep(ctx context.Context, sweepID string) (*Sweep, error) {
	row := s.QueryRowContext(ctx, `SELECT `+sweepColumns+` FROM sweeps WHERE sweep_id = ?`, sweepID)
	sw, err := scanSweep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", sweepID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sweep: %w", err)
	}
	return sw, nil
}

// ListSweeps returns the most recent sweeps first. A limit <= 0 returns all.
func (s *Store) ListSweeps(ctx context.Context, limit int) ([]*Sweep, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.QueryContext(ctx,
		`SELECT `+sweepColumns+` FROM sweeps ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sweeps: %w", err)
	}
	defer rows.Close()

	var out []*Sweep
	for rows.Next() {
		sw, err := scanSweep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// SaveInitialValues stores the cached initial values of a sweep. Group labels
// come from table; names missing from it are stored with group "none".
func (s *Store) SaveInitialValues(ctx context.Context, sweepID string, table *params.Table, values map[string][]float64) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO initial_params (sweep_id, name, param_group, element_idx, value)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare initial params: %w", err)
	}
	defer stmt.Close()

	for name, vals := range values {
		group := params.GroupNone
		if table != nil {
			group, _ = table.GroupOf(name)
		}
		for i, v := range vals {
			if _, err := stmt.ExecContext(ctx, sweepID, name, group.Label(), i, v); err != nil {
				return fmt.Errorf("insert initial value %s[%d]: %w", name, i, err)
			}
		}
	}
	return tx.Commit()
}

// InitialValues loads the initial values stored for a sweep.
func (s *Store) InitialValues(ctx context.Context, sweepID string) (map[string][]float64, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT name, value FROM initial_params
		WHERE sweep_id = ? ORDER BY name, element_idx`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("query initial params: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var name string
		var v float64
		if err := rows.Scan(&name, &v); err != nil {
			return nil, err
		}
		out[name] = append(out[name], v)
	}
	return out, rows.Err()
}

// SaveResults appends a batch of results to a sweep in one transaction.
func (s *Store) SaveResults(ctx context.Context, sweepID string, t *retrieve.Table) error {
	if t.Len() == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range t.Results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_results (
				sweep_id, sample, batch, run_url, value_count, mean, std, window_start, window_end
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sweepID, r.Sample, r.Batch, r.RunURL, r.Count, nullFloat(r.Mean), nullFloat(r.Std),
			r.WindowStart.Format(time.DateOnly), r.WindowEnd.Format(time.DateOnly))
		if err != nil {
			return fmt.Errorf("insert result for sample %d: %w", r.Sample, err)
		}
		for i, q := range r.Quantiles {
			if i >= len(t.Levels) {
				break
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_quantiles (sweep_id, sample, level_idx, level, value)
				VALUES (?, ?, ?, ?, ?)`,
				sweepID, r.Sample, i, t.Levels[i], nullFloat(q)); err != nil {
				return fmt.Errorf("insert quantile for sample %d: %w", r.Sample, err)
			}
		}
	}
	return tx.Commit()
}

// Results loads every stored result of a sweep in sample order.
func (s *Store) Results(ctx context.Context, sweepID string) (*retrieve.Table, error) {
	sw, err := s.GetSweep(ctx, sweepID)
	if err != nil {
		return nil, err
	}
	table := retrieve.NewTable(sw.Quantiles)

	rows, err := s.QueryContext(ctx, `
		SELECT sample, batch, run_url, value_count, mean, std, window_start, window_end
		FROM run_results WHERE sweep_id = ? ORDER BY sample`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	bySample := make(map[int]int)
	for rows.Next() {
		var (
			r          retrieve.Result
			mean, std  sql.NullFloat64
			start, end string
		)
		if err := rows.Scan(&r.Sample, &r.Batch, &r.RunURL, &r.Count, &mean, &std, &start, &end); err != nil {
			rows.Close()
			return nil, err
		}
		r.Mean, r.Std = floatOrNaN(mean), floatOrNaN(std)
		r.WindowStart, _ = time.Parse(time.DateOnly, start)
		r.WindowEnd, _ = time.Parse(time.DateOnly, end)
		r.Quantiles = make([]float64, len(sw.Quantiles))
		for i := range r.Quantiles {
			r.Quantiles[i] = math.NaN()
		}
		bySample[r.Sample] = len(table.Results)
		table.Results = append(table.Results, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	qrows, err := s.QueryContext(ctx, `
		SELECT sample, level_idx, value FROM run_quantiles WHERE sweep_id = ?`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("query quantiles: %w", err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var sample, idx int
		var v sql.NullFloat64
		if err := qrows.Scan(&sample, &idx, &v); err != nil {
			return nil, err
		}
		pos, ok := bySample[sample]
		if !ok || idx >= len(table.Results[pos].Quantiles) {
			continue
		}
		table.Results[pos].Quantiles[idx] = floatOrNaN(v)
	}
	return table, qrows.Err()
}

// SinkFor returns a result sink that appends batches to the given sweep.
func (s *Store) SinkFor(sweepID string) *BatchSink {
	return &BatchSink{store: s, sweepID: sweepID}
}

// BatchSink saves flushed batches of one sweep.
type BatchSink struct {
	store   *Store
	sweepID string
}

// SaveBatch implements the sweep result sink.
func (b *BatchSink) SaveBatch(ctx context.Context, batch *retrieve.Table) error {
	return b.store.SaveResults(ctx, b.sweepID, batch)
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
