package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db  *DB
	fs  fs.FS
	dir string
}

// NewMigrator creates a Migrator over the embedded sync schema migrations.
func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db, fs: embeddedMigrations, dir: "migrations"}
}

// NewMigratorFS creates a Migrator reading V<n>__name.up.sql files from dir in fsys.
func NewMigratorFS(db *DB, fsys fs.FS, dir string) *Migrator {
	return &Migrator{db: db, fs: fsys, dir: dir}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at BIGINT NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	)`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

type migrationFile struct {
	version     int
	name        string
	description string
}

func (m *Migrator) files(suffix string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.fs, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		// V1__initial_schema.up.sql
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: version, name: name, description: parts[1]})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// Up applies all pending migrations. An applied migration whose file changed
// since it ran is reported as an error rather than silently skipped.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedChecksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedChecksums[mig.Version] = mig.Checksum
	}

	files, err := m.files(".up.sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		content, err := fs.ReadFile(m.fs, path.Join(m.dir, f.name))
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}
		checksum := Checksum(content)

		if existing, ok := appliedChecksums[f.version]; ok {
			if existing != checksum {
				return fmt.Errorf("migration V%d was modified after it was applied", f.version)
			}
			continue
		}
		if err := m.apply(ctx, f, content, checksum); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", f.version, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, f migrationFile, content []byte, checksum string) error {
	return m.db.WithTx(ctx, func(tx *Tx) error {
		for _, stmt := range SplitStatements(m.expand(string(content))) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
		}
		query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
				  VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, f.version, time.Now().Unix(), f.description, checksum); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	files, err := m.files(".down.sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.version != current {
			continue
		}
		content, err := fs.ReadFile(m.fs, path.Join(m.dir, f.name))
		if err != nil {
			return fmt.Errorf("failed to read rollback migration: %w", err)
		}
		return m.db.WithTx(ctx, func(tx *Tx) error {
			for _, stmt := range SplitStatements(m.expand(string(content))) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to execute rollback SQL: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
				return fmt.Errorf("failed to remove migration record: %w", err)
			}
			return nil
		})
	}
	return fmt.Errorf("no rollback migration found for version %d", current)
}

// expand substitutes the dialect-specific column types used by migration files.
func (m *Migrator) expand(sqlText string) string {
	autoinc, blob := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if m.db.Dialect() == DialectPostgres {
		autoinc, blob = "BIGSERIAL PRIMARY KEY", "BYTEA"
	}
	return strings.NewReplacer("{{AUTOINCREMENT}}", autoinc, "{{BLOB}}", blob).Replace(sqlText)
}

// SplitStatements splits a migration script on statement-terminating semicolons.
func SplitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Checksum returns the hex SHA-256 of a migration script.
func Checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// Prepare brings a database up to date: sync tables through the migrator and
// entity tables from the registry held by store.
func Prepare(ctx context.Context, db *DB, store *EntityStore) error {
	if err := NewMigrator(db).Up(ctx); err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	return store.EnsureSchema(ctx, db)
}
