package store

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	store_name TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TEXT NOT NULL
)`

func ensureVersionTable(d *DB) error {
	if _, err := d.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}
	return nil
}

// CurrentVersion returns the schema version recorded for the default
// (unnamed) store, or 0 when no version has been recorded yet.
func CurrentVersion(d *DB) (int, error) {
	return CurrentVersionFor(d, "")
}

// CurrentVersionFor returns the schema version recorded for storeName.
// Several domain stores can share one database; each tracks its own
// version row.
func CurrentVersionFor(d *DB, storeName string) (int, error) {
	if err := ensureVersionTable(d); err != nil {
		return 0, err
	}
	var version int
	err := d.QueryRow(`SELECT version FROM _schema_version WHERE store_name = ? LIMIT 1`, storeName).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SetVersion records version for the default (unnamed) store.
func SetVersion(d *DB, version int) error {
	return SetVersionFor(d, "", version)
}

// SetVersionFor records version as the current schema version of storeName.
func SetVersionFor(d *DB, storeName string, version int) error {
	if err := ensureVersionTable(d); err != nil {
		return err
	}

	now := FormatTime(time.Now())
	res, err := d.Exec(`UPDATE _schema_version SET version = ?, applied_at = ? WHERE store_name = ?`, version, now, storeName)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}

	if _, err := d.Exec(
		`INSERT INTO _schema_version (store_name, version, applied_at) VALUES (?, ?, ?)`,
		storeName, version, now,
	); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// EnsureVersion records initialVersion only when no version exists yet.
// It is idempotent and safe to call on every startup.
func EnsureVersion(d *DB, initialVersion int) error {
	current, err := CurrentVersion(d)
	if err != nil {
		return err
	}
	if current != 0 {
		return nil
	}
	return SetVersion(d, initialVersion)
}

// CheckVersion returns an error when the stored schema version is newer than
// binaryVersion. Called during startup so an old binary refuses to run
// against a schema it does not understand.
func CheckVersion(d *DB, binaryVersion int) error {
	current, err := CurrentVersion(d)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"database schema version %d is newer than binary version %d: "+
				"refusing to start (use a newer binary or restore from backup)",
			current, binaryVersion,
		)
	}
	return nil
}

// Migration describes a single schema change.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a human-readable summary.
	Description string
	// Up applies the migration inside tx.
	Up func(tx *Tx) error
	// Down reverts the migration inside tx.
	Down func(tx *Tx) error
}

// Runner applies ordered migrations to a database.
type Runner struct {
	storeName  string
	migrations []Migration
}

// NewRunner creates a Runner for storeName. Migrations are sorted by
// Version ascending.
func NewRunner(storeName string, migrations []Migration) *Runner {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &Runner{storeName: storeName, migrations: sorted}
}

// Migrate applies all pending up-migrations in version order. Each migration
// runs in its own transaction; on error the transaction is rolled back and
// the error returned immediately.
func (r *Runner) Migrate(d *DB) error {
	current, err := CurrentVersionFor(d, r.storeName)
	if err != nil {
		return fmt.Errorf("runner[%s] read current version: %w", r.storeName, err)
	}

	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		if err := r.applyUp(d, m); err != nil {
			return err
		}
	}
	return nil
}

// Rollback applies down-migrations in reverse order until the schema
// reaches targetVersion.
func (r *Runner) Rollback(d *DB, targetVersion int) error {
	current, err := CurrentVersionFor(d, r.storeName)
	if err != nil {
		return fmt.Errorf("runner[%s] read current version: %w", r.storeName, err)
	}

	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if m.Version <= targetVersion || m.Version > current {
			continue
		}
		if err := r.applyDown(d, m, targetVersion); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyUp(d *DB, m Migration) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("runner[%s] begin tx for v%d: %w", r.storeName, m.Version, err)
	}

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("runner[%s] up v%d (%s): %w", r.storeName, m.Version, m.Description, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner[%s] commit v%d: %w", r.storeName, m.Version, err)
	}

	if err := SetVersionFor(d, r.storeName, m.Version); err != nil {
		return fmt.Errorf("runner[%s] set version %d: %w", r.storeName, m.Version, err)
	}

	log.Printf("migration[%s]: applied v%d: %s", r.storeName, m.Version, m.Description)
	return nil
}

func (r *Runner) applyDown(d *DB, m Migration, targetVersion int) error {
	if m.Down == nil {
		return fmt.Errorf("runner[%s] no Down function for v%d", r.storeName, m.Version)
	}

	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("runner[%s] begin tx for rollback v%d: %w", r.storeName, m.Version, err)
	}

	if err := m.Down(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("runner[%s] down v%d (%s): %w", r.storeName, m.Version, m.Description, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner[%s] commit rollback v%d: %w", r.storeName, m.Version, err)
	}

	// After rolling back m the schema sits at the previous migration's
	// version, or at targetVersion when none precedes it.
	prevVersion := targetVersion
	for _, other := range r.migrations {
		if other.Version < m.Version && other.Version > prevVersion {
			prevVersion = other.Version
		}
	}

	if err := SetVersionFor(d, r.storeName, prevVersion); err != nil {
		return fmt.Errorf("runner[%s] reset version to %d: %w", r.storeName, prevVersion, err)
	}

	log.Printf("migration[%s]: rolled back v%d: %s (schema now at v%d)",
		r.storeName, m.Version, m.Description, prevVersion)
	return nil
}
