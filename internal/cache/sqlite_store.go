package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var sqliteSchema = []string{
	"CREATE TABLE IF NOT EXISTS generations (tag TEXT PRIMARY KEY, created INTEGER)",
	`CREATE TABLE IF NOT EXISTS entries (
	tag TEXT NOT NULL,
	key TEXT NOT NULL,
	snapshot BLOB NOT NULL,
	PRIMARY KEY (tag, key)
)`,
	"PRAGMA journal_mode=WAL",
}

// NewSQLiteStore 打开（或创建）dbPath 指向的 sqlite 数据库。
func NewSQLiteStore(dbPath string) (Store, error) {
	if dbPath == "" {
		return nil, errors.New("storage path required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB
}

type sqliteGeneration struct {
	db  *sql.DB
	tag string
}

func (s *sqliteStore) Open(ctx context.Context, tag string) (Generation, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (tag, created) VALUES (?, ?)", tag, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create generation %s: %w", tag, err)
	}
	return &sqliteGeneration{db: s.db, tag: tag}, nil
}

func (s *sqliteStore) Get(ctx context.Context, tag string) (Generation, error) {
	var found string
	err := s.db.QueryRowContext(ctx, "SELECT tag FROM generations WHERE tag = ?", tag).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGenerationNotFound
		}
		return nil, err
	}
	return &sqliteGeneration{db: s.db, tag: tag}, nil
}

func (s *sqliteStore) Delete(ctx context.Context, tag string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE tag = ?", tag)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE tag = ?", tag); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", tag, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *sqliteStore) Tags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM generations ORDER BY tag ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (g *sqliteGeneration) Tag() string {
	return g.tag
}

func (g *sqliteGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	var data []byte
	err := g.db.QueryRowContext(ctx,
		"SELECT snapshot FROM entries WHERE tag = ? AND key = ?", g.tag, key.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (g *sqliteGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	// 单条语句同时检查代是否存在，保证写入与删除互不交错。
	res, err := g.db.ExecContext(ctx, `
INSERT OR REPLACE INTO entries (tag, key, snapshot)
SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE tag = ?)`,
		g.tag, key.String(), data, g.tag)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrGenerationGone
	}
	return nil
}
