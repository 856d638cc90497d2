// tracedb.go - SQLite store for scheduler and interrupt statistics
//
// One row per boot, keyed by the platform fingerprint, and one batch of
// thread, CPU and interrupt rows per recorded snapshot. Writes happen off
// the scheduler's hot path, after a run or from a reporting thread.

package tracedb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cloudius-systems/osv-sub002/irq"
	"github.com/cloudius-systems/osv-sub002/platform"
	"github.com/cloudius-systems/osv-sub002/sched"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS boots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	cpus        INTEGER NOT NULL,
	gic_version INTEGER NOT NULL,
	description TEXT    NOT NULL,
	started_at  INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE TABLE IF NOT EXISTS thread_stats (
	boot_id     INTEGER NOT NULL REFERENCES boots(id),
	at_ns       INTEGER NOT NULL,
	thread_id   INTEGER NOT NULL,
	name        TEXT    NOT NULL,
	cpu         INTEGER NOT NULL,
	status      TEXT    NOT NULL,
	priority    REAL    NOT NULL,
	switches    INTEGER NOT NULL,
	preemptions INTEGER NOT NULL,
	migrations  INTEGER NOT NULL,
	cpu_time_ns INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cpu_stats (
	boot_id     INTEGER NOT NULL REFERENCES boots(id),
	at_ns       INTEGER NOT NULL,
	cpu         INTEGER NOT NULL,
	load        INTEGER NOT NULL,
	switches    INTEGER NOT NULL,
	wakeup_ipis INTEGER NOT NULL,
	idle_waits  INTEGER NOT NULL,
	preempts    INTEGER NOT NULL,
	renorms     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS irq_stats (
	boot_id  INTEGER NOT NULL REFERENCES boots(id),
	line     INTEGER NOT NULL,
	msi      INTEGER NOT NULL,
	handlers INTEGER NOT NULL,
	count    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS thread_stats_boot ON thread_stats(boot_id, at_ns);
`

var ErrNoBoot = errors.New("tracedb: no boot recorded")

// DB is an open statistics store.
type DB struct {
	db   *sql.DB
	boot int64
}

// Open creates or opens the store at path and ensures the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracedb: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracedb: schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Boot is the id of the boot rows are attributed to, 0 before RecordBoot.
func (d *DB) Boot() int64 { return d.boot }

// RecordBoot stores desc and makes it the current boot.
func (d *DB) RecordBoot(desc *platform.Description) (int64, error) {
	raw, err := desc.Encode()
	if err != nil {
		return 0, err
	}
	res, err := d.db.Exec(`INSERT INTO boots (fingerprint, name, cpus, gic_version, description) VALUES (?, ?, ?, ?, ?)`,
		desc.Fingerprint(), desc.Name, desc.CPUs, desc.GIC.Version, string(raw))
	if err != nil {
		return 0, fmt.Errorf("tracedb: record boot: %w", err)
	}
	if d.boot, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	return d.boot, nil
}

// batch runs fn over one prepared statement inside a transaction.
func (d *DB) batch(query string, fn func(*sql.Stmt) error) error {
	if d.boot == 0 {
		return ErrNoBoot
	}
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	if err := fn(stmt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordThreads stores every thread row of snap.
func (d *DB) RecordThreads(snap sched.Snapshot) error {
	return d.batch(`INSERT INTO thread_stats VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, func(st *sql.Stmt) error {
		for _, t := range snap.Threads {
			if _, err := st.Exec(d.boot, int64(snap.At), int64(t.ID), t.Name, t.CPU, t.Status.String(),
				t.Priority, int64(t.Switches), int64(t.Preemptions), int64(t.Migrations), int64(t.CPUTime)); err != nil {
				return fmt.Errorf("tracedb: thread %d: %w", t.ID, err)
			}
		}
		return nil
	})
}

// RecordCPUs stores every CPU row of snap.
func (d *DB) RecordCPUs(snap sched.Snapshot) error {
	return d.batch(`INSERT INTO cpu_stats VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, func(st *sql.Stmt) error {
		for _, c := range snap.CPUs {
			if _, err := st.Exec(d.boot, int64(snap.At), c.ID, c.Load, int64(c.Switches), int64(c.WakeupIPIs),
				int64(c.IdleWaits), int64(c.Preempts), int64(c.Renormalizations)); err != nil {
				return fmt.Errorf("tracedb: cpu %d: %w", c.ID, err)
			}
		}
		return nil
	})
}

// RecordIRQs stores the dispatch table's line statistics.
func (d *DB) RecordIRQs(lines []irq.LineStat) error {
	return d.batch(`INSERT INTO irq_stats VALUES (?, ?, ?, ?, ?)`, func(st *sql.Stmt) error {
		for _, l := range lines {
			if _, err := st.Exec(d.boot, l.ID, l.MSI, l.Handlers, int64(l.Count)); err != nil {
				return fmt.Errorf("tracedb: line %d: %w", l.ID, err)
			}
		}
		return nil
	})
}

// ThreadTotal is a per-thread aggregate over one boot.
type ThreadTotal struct {
	Name     string
	Switches int64
	CPUTime  int64
}

// Busiest returns the n threads with the most CPU time in the latest
// snapshot of boot.
func (d *DB) Busiest(boot int64, n int) ([]ThreadTotal, error) {
	rows, err := d.db.Query(`
		SELECT name, switches, cpu_time_ns FROM thread_stats
		WHERE boot_id = ? AND at_ns = (SELECT MAX(at_ns) FROM thread_stats WHERE boot_id = ?)
		ORDER BY cpu_time_ns DESC LIMIT ?`, boot, boot, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ThreadTotal
	for rows.Next() {
		var t ThreadTotal
		if err := rows.Scan(&t.Name, &t.Switches, &t.CPUTime); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Boots counts recorded boots with fingerprint.
func (d *DB) Boots(fingerprint string) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM boots WHERE fingerprint = ?`, fingerprint).Scan(&n)
	return n, err
}
