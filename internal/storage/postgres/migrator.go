package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	schemaDir     = "sql/migrations"
	schemaLockKey = int64(52017344)
	schemaTable   = "purchases_schema_versions"
	schemaDDL     = `
CREATE TABLE IF NOT EXISTS ` + schemaTable + ` (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var schemaFS embed.FS

var schemaFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// ErrSchemaDrift: файл уже применённой миграции изменился после применения.
var ErrSchemaDrift = errors.New("applied migration differs from embedded file")

// schemaChange: пара up/down одной версии схемы.
type schemaChange struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

func (c schemaChange) label() string {
	return fmt.Sprintf("%04d_%s", c.Version, c.Name)
}

// SchemaStatus описывает состояние схемы относительно встроенных миграций.
type SchemaStatus struct {
	Version int64
	Applied int
	Pending []string
	Drifted []string
}

// UpToDate: все миграции применены и ни одна не разошлась с файлом.
func (s SchemaStatus) UpToDate() bool {
	return len(s.Pending) == 0 && len(s.Drifted) == 0
}

type appliedChange struct {
	version  int64
	checksum string
}

// MigrateUp применяет ожидающие миграции по возрастанию версии; steps=0 применяет все.
// Разошедшаяся с файлом миграция останавливает применение с ErrSchemaDrift.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	changes, err := parseSchemaChanges(schemaFS, schemaDir)
	if err != nil {
		return err
	}
	return s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedChanges(ctx, conn)
		if err != nil {
			return err
		}
		if drifted := driftedChanges(changes, applied); len(drifted) > 0 {
			return fmt.Errorf("%w: %s", ErrSchemaDrift, strings.Join(drifted, ", "))
		}

		done := 0
		for _, change := range changes {
			if _, ok := applied[change.Version]; ok {
				continue
			}
			if steps > 0 && done == steps {
				break
			}
			err := runSchemaStep(ctx, conn, change.Up,
				`INSERT INTO `+schemaTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				change.Version, change.Name, change.Checksum)
			if err != nil {
				return fmt.Errorf("apply %s: %w", change.label(), err)
			}
			migratorLogger().WithField("migration", change.label()).Info("migration applied")
			done++
		}
		return nil
	})
}

// MigrateDown откатывает последние применённые миграции; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	changes, err := parseSchemaChanges(schemaFS, schemaDir)
	if err != nil {
		return err
	}
	byVersion := make(map[int64]schemaChange, len(changes))
	for _, change := range changes {
		byVersion[change.Version] = change
	}

	return s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedChanges(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, version := range versions[:min(steps, len(versions))] {
			change, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("migration %d is applied but has no embedded file", version)
			}
			err := runSchemaStep(ctx, conn, change.Down,
				`DELETE FROM `+schemaTable+` WHERE version = $1`, change.Version)
			if err != nil {
				return fmt.Errorf("revert %s: %w", change.label(), err)
			}
			migratorLogger().WithField("migration", change.label()).Info("migration reverted")
		}
		return nil
	})
}

// SchemaStatus сравнивает применённые версии со встроенными файлами.
func (s *Store) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	if s == nil || s.db == nil {
		return SchemaStatus{}, fmt.Errorf("postgres store is not initialized")
	}
	changes, err := parseSchemaChanges(schemaFS, schemaDir)
	if err != nil {
		return SchemaStatus{}, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, schemaDDL); err != nil {
		return SchemaStatus{}, fmt.Errorf("ensure %s: %w", schemaTable, err)
	}
	applied, err := appliedChanges(ctx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Applied: len(applied), Drifted: driftedChanges(changes, applied)}
	for version := range applied {
		status.Version = max(status.Version, version)
	}
	for _, change := range changes {
		if _, ok := applied[change.Version]; !ok {
			status.Pending = append(status.Pending, change.label())
		}
	}
	return status, nil
}

// withSchemaLock выполняет fn на выделенном соединении под advisory lock,
// чтобы параллельно стартующие инстансы не применяли миграции дважды.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure %s: %w", schemaTable, err)
	}
	return fn(conn)
}

// runSchemaStep выполняет тело миграции и запись о нём одной транзакцией.
func runSchemaStep(ctx context.Context, conn *sql.Conn, body, record string, args ...any) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func appliedChanges(ctx context.Context, conn *sql.Conn) (map[int64]appliedChange, error) {
	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := conn.QueryContext(queryCtx, `SELECT version, checksum FROM `+schemaTable)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedChange)
	for rows.Next() {
		var change appliedChange
		if err := rows.Scan(&change.version, &change.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[change.version] = change
	}
	return applied, rows.Err()
}

func driftedChanges(changes []schemaChange, applied map[int64]appliedChange) []string {
	var drifted []string
	for _, change := range changes {
		if got, ok := applied[change.Version]; ok && got.checksum != change.Checksum {
			drifted = append(drifted, change.label())
		}
	}
	return drifted
}

// parseSchemaChanges читает пары NNNN_name.up.sql / NNNN_name.down.sql из dir.
// Версии возвращаются по возрастанию; у каждой обязаны быть оба направления.
func parseSchemaChanges(fsys fs.FS, dir string) ([]schemaChange, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*schemaChange)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := schemaFileName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		change, ok := byVersion[version]
		if !ok {
			change = &schemaChange{Version: version, Name: parts[2]}
			byVersion[version] = change
		}
		if change.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, change.Name, parts[2])
		}

		target := &change.Up
		if parts[3] == "down" {
			target = &change.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	changes := make([]schemaChange, 0, len(byVersion))
	for _, change := range byVersion {
		if change.Up == "" || change.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", change.label())
		}
		sum := sha256.Sum256([]byte(change.Up))
		change.Checksum = hex.EncodeToString(sum[:])
		changes = append(changes, *change)
	}
	slices.SortFunc(changes, func(a, b schemaChange) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return changes, nil
}

func migratorLogger() *log.Entry {
	return log.WithField("component", "postgres-migrator")
}
