package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migrator applies the versioned SQL files that define the command_log and
// projections schemas. File naming follows golang-migrate:
// {version}_{name}.up.sql / {version}_{name}.down.sql.
type Migrator struct {
	db  *sql.DB
	dir string
}

// migration is one numbered schema step on disk.
type migration struct {
	version string
	upFile  string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, dir: migrationsDir}
}

// Up applies every migration not yet recorded in the ledger, oldest first.
// Each step runs in its own transaction together with its ledger insert, so
// a failed step leaves the ledger consistent with the schema.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}
	done, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	steps, err := m.discover()
	if err != nil {
		return fmt.Errorf("scan %s: %w", m.dir, err)
	}

	for _, step := range steps {
		if done[step.version] {
			continue
		}
		log.Printf("INFO: applying schema migration %s", step.upFile)
		err := m.runInTx(ctx, step.upFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.ov_schema_migrations (version, filename) VALUES ($1, $2)`,
				step.version, step.upFile)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Down reverts the most recent applied migration using its .down.sql twin.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.ov_schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	if err == sql.ErrNoRows {
		log.Println("INFO: schema is at baseline, nothing to revert")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
	log.Printf("INFO: reverting schema migration %s", downFile)
	return m.runInTx(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM public.ov_schema_migrations WHERE version = $1`, version)
		return err
	})
}

// runInTx executes one migration file and the ledger mutation atomically.
func (m *Migrator) runInTx(ctx context.Context, file string, ledger func(*sql.Tx) error) error {
	body, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := ledger(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.ov_schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.ov_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}

// discover lists the up-migrations on disk in version order. The version is
// the numeric prefix before the first underscore, e.g. "000001" for
// 000001_command_log.up.sql.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	steps := make([]migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, _, found := strings.Cut(name, "_")
		if !found {
			version = name
		}
		steps = append(steps, migration{version: version, upFile: name})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}
