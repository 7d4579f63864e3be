package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
    name TEXT PRIMARY KEY,
    updates INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS room_updates (
    room TEXT NOT NULL,
    seq INTEGER NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (room, seq),
    FOREIGN KEY (room) REFERENCES rooms(name) ON DELETE CASCADE
);
`

// SQLiteStore is a single-file UpdateStore for relays without a cloud
// backend.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, room string) error {
	now := time.Now().UnixNano()
	res, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (name, updates, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		room, now, now)
	if err != nil {
		return fmt.Errorf("create room %q: %w", room, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %q: %w", room, ErrExists)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, room string) (*RoomInfo, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT name, updates, created_at, updated_at FROM rooms WHERE name = ?`, room)
	info, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get room %q: %w", room, err)
	}
	return info, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*RoomInfo, error) {
	var (
		info               RoomInfo
		created, updated int64
	)
	if err := row.Scan(&info.Name, &info.Updates, &created, &updated); err != nil {
		return nil, err
	}
	info.CreatedAt = time.Unix(0, created)
	info.UpdatedAt = time.Unix(0, updated)
	return &info, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]RoomInfo, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT name, updates, created_at, updated_at FROM rooms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var result []RoomInfo
	for rows.Next() {
		info, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		result = append(result, *info)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) AppendUpdate(ctx context.Context, room string, blob []byte, seq int) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT updates FROM rooms WHERE name = ?`, room).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read room %q: %w", room, err)
	}
	switch {
	case seq <= count:
		return nil
	case seq != count+1:
		return fmt.Errorf("room %q: update %d out of order, log has %d", room, seq, count)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_updates (room, seq, data) VALUES (?, ?, ?)`, room, seq, blob); err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET updates = ?, updated_at = ? WHERE name = ?`,
		seq, time.Now().UnixNano(), room); err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetUpdates(ctx context.Context, room string, fromSeq int) ([][]byte, error) {
	info, err := s.Get(ctx, room)
	if err != nil {
		return nil, err
	}
	if fromSeq < 0 || fromSeq > info.Updates {
		return nil, fmt.Errorf("invalid seq %d", fromSeq)
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT data FROM room_updates WHERE room = ? AND seq > ? ORDER BY seq`, room, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var blobs [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		blobs = append(blobs, data)
	}
	return blobs, rows.Err()
}
