package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
)

// ErrRunNotFound is returned by GetRun for an unknown ID.
var ErrRunNotFound = errors.New("recovery run not found")

// Run is one stored track recovery.
type Run struct {
	ID                string                  `json:"run_id"`
	CreatedAt         time.Time               `json:"created_at"`
	Drive             int                     `json:"drive"`
	Track             int                     `json:"track"`
	Head              int                     `json:"head"`
	PassCount         int                     `json:"pass_count"`
	Encoding          string                  `json:"encoding"`
	DataRate          uint32                  `json:"data_rate"`
	ClockHz           uint32                  `json:"clock_hz"`
	AverageRPM        uint32                  `json:"average_rpm"`
	Fingerprint       string                  `json:"fingerprint"`
	SectorCount       int                     `json:"sector_count"`
	SectorsRecovered  int                     `json:"sectors_recovered"`
	SectorsWeak       int                     `json:"sectors_weak"`
	SectorsPartial    int                     `json:"sectors_partial"`
	SectorsFailed     int                     `json:"sectors_failed"`
	OverallConfidence int                     `json:"overall_confidence"`
	Config            fluxstat.RecoveryConfig `json:"config"`
	// Result is only populated by GetRun.
	Result *fluxstat.TrackResult `json:"result,omitempty"`
}

// Fingerprint hashes every pass's index time and flux timestamps, so two
// runs over the same capture share a fingerprint.
func Fingerprint(c *fluxstat.MultipassCapture) string {
	h := xxh3.New()
	var buf [4]byte
	for i := range c.Passes {
		p := &c.Passes[i]
		binary.LittleEndian.PutUint32(buf[:], p.IndexTime)
		h.Write(buf[:])
		for _, ts := range p.Timestamps() {
			binary.LittleEndian.PutUint32(buf[:], ts)
			h.Write(buf[:])
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// NewRun builds a Run for res recovered from c with cfg.
func NewRun(c *fluxstat.MultipassCapture, cfg fluxstat.RecoveryConfig, res *fluxstat.TrackResult, now time.Time) *Run {
	return &Run{
		ID:                uuid.NewString(),
		CreatedAt:         now.UTC(),
		Drive:             c.Drive,
		Track:             c.Track,
		Head:              c.Head,
		PassCount:         c.PassCount,
		Encoding:          cfg.Encoding.String(),
		DataRate:          cfg.DataRate,
		ClockHz:           c.ClockHz,
		AverageRPM:        c.AverageRPM(),
		Fingerprint:       Fingerprint(c),
		SectorCount:       res.SectorCount,
		SectorsRecovered:  res.SectorsRecovered,
		SectorsWeak:       res.SectorsWeak,
		SectorsPartial:    res.SectorsPartial,
		SectorsFailed:     res.SectorsFailed,
		OverallConfidence: res.OverallConfidence,
		Config:            cfg,
		Result:            res,
	}
}

// InsertRun stores r. The result must be set.
func (db *DB) InsertRun(ctx context.Context, r *Run) error {
	if r.Result == nil {
		return fmt.Errorf("run %s has no result", r.ID)
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("invalid run id %q: %w", r.ID, err)
	}
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	resJSON, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO recovery_runs (
			run_id, created_unix_nanos, drive, track, head, pass_count, encoding,
			data_rate, clock_hz, average_rpm, fingerprint, sector_count,
			sectors_recovered, sectors_weak, sectors_partial, sectors_failed,
			overall_confidence, config_json, result_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt.UnixNano(), r.Drive, r.Track, r.Head, r.PassCount, r.Encoding,
		r.DataRate, r.ClockHz, r.AverageRPM, r.Fingerprint, r.SectorCount,
		r.SectorsRecovered, r.SectorsWeak, r.SectorsPartial, r.SectorsFailed,
		r.OverallConfidence, string(cfgJSON), string(resJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const runColumns = `run_id, created_unix_nanos, drive, track, head, pass_count, encoding,
	data_rate, clock_hz, average_rpm, fingerprint, sector_count,
	sectors_recovered, sectors_weak, sectors_partial, sectors_failed,
	overall_confidence, config_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner, extra ...any) (*Run, error) {
	var (
		r       Run
		created int64
		cfgJSON string
	)
	dest := append([]any{
		&r.ID, &created, &r.Drive, &r.Track, &r.Head, &r.PassCount, &r.Encoding,
		&r.DataRate, &r.ClockHz, &r.AverageRPM, &r.Fingerprint, &r.SectorCount,
		&r.SectorsRecovered, &r.SectorsWeak, &r.SectorsPartial, &r.SectorsFailed,
		&r.OverallConfidence, &cfgJSON,
	}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("run %s: failed to decode config: %w", r.ID, err)
	}
	return &r, nil
}

// ListRuns returns up to limit runs, newest first, without their results.
// A track below zero matches every track.
func (db *DB) ListRuns(ctx context.Context, track, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM recovery_runs
		WHERE ? < 0 OR track = ?
		ORDER BY created_unix_nanos DESC, run_id LIMIT ?`, track, track, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns the run with the given ID including its result.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	var resJSON string
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+`, result_json FROM recovery_runs WHERE run_id = ?`, id)
	r, err := scanRun(row, &resJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r.Result = &fluxstat.TrackResult{}
	if err := json.Unmarshal([]byte(resJSON), r.Result); err != nil {
		return nil, fmt.Errorf("run %s: failed to decode result: %w", id, err)
	}
	return r, nil
}

// DeleteRun removes a run.
func (db *DB) DeleteRun(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM recovery_runs WHERE run_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
