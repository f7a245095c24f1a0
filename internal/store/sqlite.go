// Package store persists channel transcripts so conversation memory
// survives restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/parley/internal/memory"
)

// SQLiteStore keeps transcripts in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the transcript database at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transcript db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single shared connection avoids SQLite writer lock contention
	// under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL DEFAULT '',
			author_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transcripts_channel_idx
			ON transcripts(channel_id, created_at_ms DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transcripts_message_idx
			ON transcripts(channel_id, message_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init transcript schema: %w", err)
		}
	}
	return nil
}

// AppendTranscript records one message. Duplicate message ids within a
// channel are ignored so replayed events do not double-write.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, channelID string, rec memory.Record) error {
	isBot := 0
	if rec.IsBot {
		isBot = 1
	}
	rowID := uuid.Must(uuid.NewV7()).String()
	messageID := rec.MessageID
	if messageID == "" {
		// Synthetic id keeps the dedup index from collapsing distinct
		// records that arrived without a platform message id.
		messageID = rowID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts
			(id, channel_id, message_id, author_id, author_name, content, is_bot, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, message_id) DO NOTHING`,
		rowID, channelID, messageID,
		rec.AuthorID, rec.AuthorName, rec.Content, isBot,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the most recent limit records for a channel in
// chronological order.
func (s *SQLiteStore) LoadTranscript(ctx context.Context, channelID string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, author_id, author_name, content, is_bot, created_at_ms
		 FROM transcripts WHERE channel_id = ?
		 ORDER BY created_at_ms DESC, id DESC LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var rec memory.Record
		var isBot int
		var createdMs int64
		if err := rows.Scan(&rec.MessageID, &rec.AuthorID, &rec.AuthorName,
			&rec.Content, &isBot, &createdMs); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		rec.ChannelID = channelID
		rec.IsBot = isBot != 0
		rec.CreatedAt = time.UnixMilli(createdMs)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read transcript rows: %w", err)
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Prune deletes records older than the retention window. Zero or
// negative retention disables pruning.
func (s *SQLiteStore) Prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE created_at_ms < ?`, cutoff); err != nil {
		return fmt.Errorf("prune transcripts: %w", err)
	}
	return nil
}
