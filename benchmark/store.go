// store.go - SQLite-Ablage fuer Benchmark-Laeufe
// Enthaelt: Store, OpenStore, Save, Runs, Load, Close

package benchmark

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren
)

// currentSchemaVersion wird bei Schema-Aenderungen erhoeht
const currentSchemaVersion = 1

// Store umhuellt die SQLite-Verbindung. SQLite serialisiert Schreiber
// selbst, daher gibt es keine Locks auf Anwendungsebene.
type Store struct {
	conn *sql.DB
}

// RunSummary beschreibt einen gespeicherten Lauf.
type RunSummary struct {
	RunID     string
	Timestamp time.Time
	Device    string
	Results   int
	Skipped   int
}

// OpenStore oeffnet oder erstellt die Datenbank unter path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

// Close schliesst die Datenbankverbindung
func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

func (s *Store) init() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL DEFAULT %d
	);

	INSERT OR IGNORE INTO settings (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		device TEXT NOT NULL,
		os TEXT NOT NULL DEFAULT '',
		arch TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL,
		warmup_runs INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		scenario TEXT NOT NULL,
		kind TEXT NOT NULL,
		model TEXT NOT NULL,
		device TEXT NOT NULL,
		dtype TEXT NOT NULL DEFAULT '',
		num_params INTEGER NOT NULL DEFAULT 0,
		iterations INTEGER NOT NULL DEFAULT 0,
		skipped BOOLEAN NOT NULL DEFAULT 0,
		skip_reason TEXT NOT NULL DEFAULT '',
		mean_ns INTEGER NOT NULL DEFAULT 0,
		stddev_ns INTEGER NOT NULL DEFAULT 0,
		min_ns INTEGER NOT NULL DEFAULT 0,
		max_ns INTEGER NOT NULL DEFAULT 0,
		p95_ns INTEGER NOT NULL DEFAULT 0,
		throughput REAL NOT NULL DEFAULT 0,
		peak_memory INTEGER NOT NULL DEFAULT 0,
		host_memory INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_results_run_id ON results(run_id);
	`, currentSchemaVersion)

	_, err := s.conn.Exec(schema)
	return err
}

// Save speichert einen Report in einer Transaktion.
func (s *Store) Save(ctx context.Context, r *Report) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, device, os, arch, version, iterations, warmup_runs) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Timestamp, r.Device, r.SystemInfo.OS, r.SystemInfo.Arch, r.SystemInfo.Version,
		r.Config.Iterations, r.Config.WarmupRuns,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (run_id, scenario, kind, model, device, dtype, num_params, iterations,
			skipped, skip_reason, mean_ns, stddev_ns, min_ns, max_ns, p95_ns, throughput, peak_memory, host_memory)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare results: %w", err)
	}
	defer stmt.Close()

	for _, res := range r.Results {
		if _, err := stmt.ExecContext(ctx,
			r.RunID, res.Scenario, string(res.Kind), res.Model, res.Device, res.DType, res.NumParams, res.Iterations,
			res.Skipped, res.SkipReason, int64(res.MeanLatency), int64(res.StdDevLatency), int64(res.MinLatency),
			int64(res.MaxLatency), int64(res.P95Latency), res.Throughput, int64(res.PeakMemory), int64(res.HostMemory),
		); err != nil {
			return fmt.Errorf("insert result %q: %w", res.Scenario, err)
		}
	}

	return tx.Commit()
}

// Runs listet alle Laeufe, neueste zuerst.
func (s *Store) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT r.id, r.created_at, r.device, COUNT(res.id), COALESCE(SUM(res.skipped), 0)
		FROM runs r LEFT JOIN results res ON res.run_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var run RunSummary
		if err := rows.Scan(&run.RunID, &run.Timestamp, &run.Device, &run.Results, &run.Skipped); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Load liest einen gespeicherten Lauf.
func (s *Store) Load(ctx context.Context, runID string) (*Report, error) {
	r := &Report{RunID: runID}
	err := s.conn.QueryRowContext(ctx,
		`SELECT created_at, device, os, arch, version, iterations, warmup_runs FROM runs WHERE id = ?`, runID,
	).Scan(&r.Timestamp, &r.Device, &r.SystemInfo.OS, &r.SystemInfo.Arch, &r.SystemInfo.Version, &r.Config.Iterations, &r.Config.WarmupRuns)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q not found", runID)
	} else if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT scenario, kind, model, device, dtype, num_params, iterations, skipped, skip_reason,
			mean_ns, stddev_ns, min_ns, max_ns, p95_ns, throughput, peak_memory, host_memory
		FROM results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var res Result
		var kind string
		var mean, stddev, minNs, maxNs, p95, peak, host int64
		if err := rows.Scan(&res.Scenario, &kind, &res.Model, &res.Device, &res.DType, &res.NumParams, &res.Iterations,
			&res.Skipped, &res.SkipReason, &mean, &stddev, &minNs, &maxNs, &p95, &res.Throughput, &peak, &host); err != nil {
			return nil, err
		}
		res.Kind = Kind(kind)
		res.MeanLatency = time.Duration(mean)
		res.StdDevLatency = time.Duration(stddev)
		res.MinLatency = time.Duration(minNs)
		res.MaxLatency = time.Duration(maxNs)
		res.P95Latency = time.Duration(p95)
		res.PeakMemory = uint64(peak)
		res.HostMemory = uint64(host)
		r.Results = append(r.Results, res)
	}
	return r, rows.Err()
}
