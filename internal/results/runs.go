package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/logs"
	"github.com/corvohq/dagbench/internal/report"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Run is one row of the history: a single repetition of one sweep tuple.
type Run struct {
	ID         string    `json:"id"`
	SweepID    string    `json:"sweep_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Faults     int    `json:"faults"`
	Nodes      int    `json:"nodes"`
	Workers    int    `json:"workers"`
	Collocate  bool   `json:"collocate"`
	Rate       int    `json:"rate"`
	TxSize     int    `json:"tx_size"`
	Duration   int    `json:"duration"`
	Attack     string `json:"attack"`
	Repetition int    `json:"repetition"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	ConsensusTPS       float64 `json:"consensus_tps"`
	ConsensusBPS       float64 `json:"consensus_bps"`
	ConsensusLatencyMs float64 `json:"consensus_latency_ms"`
	EndToEndTPS        float64 `json:"e2e_tps"`
	EndToEndBPS        float64 `json:"e2e_bps"`
	EndToEndLatencyMs  float64 `json:"e2e_latency_ms"`
	Samples            int     `json:"samples"`

	ResultFile string `json:"result_file,omitempty"`
	Archived   bool   `json:"archived"`
}

// ConfigKey identifies the configuration a run belongs to. Repetitions of
// the same tuple share a key.
func (r Run) ConfigKey() string {
	attack := r.Attack
	if attack == "" {
		attack = "unchanged"
	}
	return fmt.Sprintf("faults=%d nodes=%d workers=%d collocate=%s rate=%d tx_size=%d attack=%s",
		r.Faults, r.Nodes, r.Workers, lifecycle.PyBool(r.Collocate), r.Rate, r.TxSize, attack)
}

// SetMetrics copies the headline numbers of a reconciled run.
func (r *Run) SetMetrics(s logs.Summary) {
	r.ConsensusTPS = s.ConsensusTPS
	r.ConsensusBPS = s.ConsensusBPS
	r.ConsensusLatencyMs = s.ConsensusLatencyMs
	r.EndToEndTPS = s.EndToEndTPS
	r.EndToEndBPS = s.EndToEndBPS
	r.EndToEndLatencyMs = s.EndToEndLatencyMs
	r.Samples = s.Samples
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Limit   int
	Nodes   int
	Rate    int
	SweepID string
}

const runColumns = `id, sweep_id, started_at, finished_at, faults, nodes, workers, collocate,
	rate, tx_size, duration, attack, repetition, success, error,
	consensus_tps, consensus_bps, consensus_latency_ms, e2e_tps, e2e_bps, e2e_latency_ms,
	samples, result_file, archived`

// Record inserts or replaces a run.
func (db *DB) Record(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("record run: empty id")
	}
	if r.Attack == "" {
		r.Attack = "unchanged"
	}
	_, err := db.Write.ExecContext(ctx, `INSERT OR REPLACE INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SweepID, r.StartedAt.UTC().Format(timeLayout), r.FinishedAt.UTC().Format(timeLayout),
		r.Faults, r.Nodes, r.Workers, boolInt(r.Collocate),
		r.Rate, r.TxSize, r.Duration, r.Attack, r.Repetition, boolInt(r.Success), r.Error,
		r.ConsensusTPS, r.ConsensusBPS, r.ConsensusLatencyMs, r.EndToEndTPS, r.EndToEndBPS, r.EndToEndLatencyMs,
		r.Samples, r.ResultFile, boolInt(r.Archived),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// MarkArchived flags a run whose raw logs landed in the archive.
func (db *DB) MarkArchived(ctx context.Context, id string) error {
	res, err := db.Write.ExecContext(ctx, "UPDATE runs SET archived = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark run %s archived: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one run by id.
func (db *DB) Get(ctx context.Context, id string) (*Run, error) {
	row := db.Read.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// List returns runs newest first.
func (db *DB) List(ctx context.Context, f Filter) ([]Run, error) {
	var where []string
	var args []any
	if f.Nodes > 0 {
		where = append(where, "nodes = ?")
		args = append(args, f.Nodes)
	}
	if f.Rate > 0 {
		where = append(where, "rate = ?")
		args = append(args, f.Rate)
	}
	if f.SweepID != "" {
		where = append(where, "sweep_id = ?")
		args = append(args, f.SweepID)
	}
	q := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Aggregate returns median and p90 of every configuration's successful
// runs, oldest configuration first.
func (db *DB) Aggregate(ctx context.Context) ([]report.Aggregate, error) {
	runs, err := db.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	var samples []report.Sample
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		if !r.Success {
			continue
		}
		samples = append(samples, report.Sample{
			Config:             r.ConfigKey(),
			ConsensusTPS:       r.ConsensusTPS,
			ConsensusLatencyMs: r.ConsensusLatencyMs,
			EndToEndTPS:        r.EndToEndTPS,
			EndToEndLatencyMs:  r.EndToEndLatencyMs,
		})
	}
	return report.AggregateSamples(samples), nil
}

// Latest returns the newest successful run of every configuration.
func (db *DB) Latest(ctx context.Context) ([]Run, error) {
	runs, err := db.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []Run
	for _, r := range runs {
		if !r.Success || seen[r.ConfigKey()] {
			continue
		}
		seen[r.ConfigKey()] = true
		out = append(out, r)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var started, finished string
	var collocate, success, archived int
	err := s.Scan(
		&r.ID, &r.SweepID, &started, &finished, &r.Faults, &r.Nodes, &r.Workers, &collocate,
		&r.Rate, &r.TxSize, &r.Duration, &r.Attack, &r.Repetition, &success, &r.Error,
		&r.ConsensusTPS, &r.ConsensusBPS, &r.ConsensusLatencyMs, &r.EndToEndTPS, &r.EndToEndBPS, &r.EndToEndLatencyMs,
		&r.Samples, &r.ResultFile, &archived,
	)
	if err != nil {
		return nil, err
	}
	r.Collocate = collocate != 0
	r.Success = success != 0
	r.Archived = archived != 0
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
