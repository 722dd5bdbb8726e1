// Package storage persists server instances (and, through DB, the job
// queue) in a single SQLite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/storage/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// ErrPortTaken is returned when a live instance already holds the port.
var ErrPortTaken = errors.New("port already assigned to another server")

// Store persists instance records in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := clean + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; the queue and the request path share the handle.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the handle so other tables (the job queue) can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const instanceColumns = `id, name, container_ref, status, port, version, properties, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (domain.Instance, error) {
	var (
		inst      domain.Instance
		status    string
		props     string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&inst.ID,
		&inst.Name,
		&inst.ContainerRef,
		&status,
		&inst.Port,
		&inst.Version,
		&props,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Instance{}, err
	}
	if err := json.Unmarshal([]byte(props), &inst.Properties); err != nil {
		return domain.Instance{}, fmt.Errorf("decode properties of server %d: %w", inst.ID, err)
	}
	inst.Status = domain.Status(status)
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return inst, nil
}

func notFound(id int64) error {
	return domain.NotFoundError{Kind: "server", ID: strconv.FormatInt(id, 10)}
}

// CreateInstance inserts a new record and returns it with its assigned ID.
// An empty status is stored as TO_SETUP.
func (s *Store) CreateInstance(ctx context.Context, inst domain.Instance) (domain.Instance, error) {
	inst.Name = strings.TrimSpace(inst.Name)
	if inst.Name == "" {
		return domain.Instance{}, fmt.Errorf("server name is required")
	}
	if inst.Port <= 0 {
		return domain.Instance{}, fmt.Errorf("server port is required")
	}
	if inst.Status == "" {
		inst.Status = domain.StatusToSetup
	}
	if !inst.Status.Valid() {
		return domain.Instance{}, fmt.Errorf("invalid status %q", inst.Status)
	}
	if inst.Version == "" {
		inst.Version = "LATEST"
	}
	inst.Properties = inst.Properties.WithDefaults()

	props, err := json.Marshal(inst.Properties)
	if err != nil {
		return domain.Instance{}, fmt.Errorf("encode properties: %w", err)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	inst.CreatedAt, inst.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (name, container_ref, status, port, version, properties, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Name, inst.ContainerRef, string(inst.Status), inst.Port, inst.Version, string(props),
		toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Instance{}, fmt.Errorf("port %d: %w", inst.Port, ErrPortTaken)
		}
		return domain.Instance{}, fmt.Errorf("insert server: %w", err)
	}
	inst.ID, err = res.LastInsertId()
	if err != nil {
		return domain.Instance{}, fmt.Errorf("read server id: %w", err)
	}
	return inst, nil
}

// GetInstance returns the record for id, including DELETED ones.
func (s *Store) GetInstance(ctx context.Context, id int64) (domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM servers WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Instance{}, notFound(id)
		}
		return domain.Instance{}, fmt.Errorf("get server %d: %w", id, err)
	}
	return inst, nil
}

// ListInstances returns every instance that is not DELETED, oldest first.
func (s *Store) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM servers WHERE status <> ? ORDER BY id`,
		string(domain.StatusDeleted),
	)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return out, nil
}

// UsedPorts returns the ports held by live instances, ascending.
func (s *Store) UsedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT port FROM servers WHERE status <> ? ORDER BY port`,
		string(domain.StatusDeleted),
	)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// UpdateStatus writes status unconditionally, except that a DELETED record
// never changes.
func (s *Store) UpdateStatus(ctx context.Context, id int64, to domain.Status) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q", to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		string(to), toMillis(s.now()), id, string(domain.StatusDeleted),
	)
	if err != nil {
		return fmt.Errorf("update server %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMiss(ctx, id, to)
	}
	return nil
}

// TransitionStatus moves the record to `to` only if its current status is
// one of from. Otherwise it returns ErrStatusConflict (or ErrInstanceDeleted,
// or a NotFoundError) and leaves the record untouched.
func (s *Store) TransitionStatus(ctx context.Context, id int64, to domain.Status, from ...domain.Status) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q", to)
	}
	if len(from) == 0 {
		return s.UpdateStatus(ctx, id, to)
	}

	args := []any{string(to), toMillis(s.now()), id}
	marks := make([]string, 0, len(from))
	for _, st := range from {
		if st == domain.StatusDeleted {
			continue
		}
		marks = append(marks, "?")
		args = append(args, string(st))
	}
	if len(marks) == 0 {
		return s.explainMiss(ctx, id, to)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(marks, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition server %d to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMiss(ctx, id, to)
	}
	return nil
}

// explainMiss reports why a conditional update touched no row.
func (s *Store) explainMiss(ctx context.Context, id int64, to domain.Status) error {
	cur, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == domain.StatusDeleted {
		return fmt.Errorf("server %d: %w", id, domain.ErrInstanceDeleted)
	}
	return fmt.Errorf("server %d is %s, cannot move to %s: %w", id, cur.Status, to, domain.ErrStatusConflict)
}

// UpdateContainer records a (re)created container together with the
// settings it was created from.
func (s *Store) UpdateContainer(ctx context.Context, id int64, ref, version string, props domain.Properties) error {
	encoded, err := json.Marshal(props.WithDefaults())
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if version == "" {
		version = "LATEST"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET container_ref = ?, version = ?, properties = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		ref, version, string(encoded), toMillis(s.now()), id, string(domain.StatusDeleted),
	)
	if err != nil {
		return fmt.Errorf("update server %d container: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetInstance(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("server %d: %w", id, domain.ErrInstanceDeleted)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
