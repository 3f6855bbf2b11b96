package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/phnx-im/eid/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound     = storage.ErrNotFound
	ErrExists       = storage.ErrExists
	ErrHeadMismatch = storage.ErrHeadMismatch
)

// TranscriptStore keeps one group's transcript in its own database file.
type TranscriptStore struct {
	db      *sql.DB
	groupID string
}

// OpenTranscriptStore opens (creating if needed) the database of groupID
// under basePath/transcripts/<groupID>/transcript.db.
func OpenTranscriptStore(basePath, groupID string) (*TranscriptStore, error) {
	if !storage.ValidGroupID(groupID) {
		return nil, fmt.Errorf("invalid group id %q", groupID)
	}
	path := dbPath(basePath, groupID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &TranscriptStore{
		db:      db,
		groupID: groupID,
	}, nil
}

func dbPath(basePath, groupID string) string {
	return filepath.Join(basePath, "transcripts", groupID, "transcript.db")
}

func (s *TranscriptStore) Close() error {
	return s.db.Close()
}

func (s *TranscriptStore) GroupID() string {
	return s.groupID
}

func (s *TranscriptStore) CreateTranscript(ctx context.Context, group string, trusted []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (group_id, trusted_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_id) DO NOTHING`,
		group, trusted, now, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transcript %s: %w", group, ErrExists)
	}
	return nil
}

func (s *TranscriptStore) GetTranscript(ctx context.Context, group string) (*storage.TranscriptRecord, error) {
	var record storage.TranscriptRecord
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, trusted_state, created_at, updated_at
		 FROM transcripts WHERE group_id = ?`,
		group).Scan(&record.Group, &record.TrustedState, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var parseErr error
	record.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		slog.Warn("failed to parse created_at timestamp", "group", group, "value", createdAt, "error", parseErr)
	}
	record.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		slog.Warn("failed to parse updated_at timestamp", "group", group, "value", updatedAt, "error", parseErr)
	}

	return &record, nil
}

func (s *TranscriptStore) AppendEvolvement(ctx context.Context, group string, ev storage.EvolvementRecord, root []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcripts WHERE group_id = ?`, group).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	var length uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evolvements WHERE group_id = ?`, group).Scan(&length)
	if err != nil {
		return err
	}
	if length != ev.Seq {
		return fmt.Errorf("%w: append at %d, log has %d entries", ErrHeadMismatch, ev.Seq, length)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evolvements (group_id, seq, epoch, cid, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		group, ev.Seq, ev.Epoch, ev.CID, ev.Data, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tree_state (group_id, size, root) VALUES (?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET size = excluded.size, root = excluded.root`,
		group, ev.Seq+1, root); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transcripts SET updated_at = ? WHERE group_id = ?`, now, group); err != nil {
		return err
	}

	return tx.Commit()
}

// ListEvolvements returns the log of group in append order.
func (s *TranscriptStore) ListEvolvements(ctx context.Context, group string) ([]storage.EvolvementRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, epoch, cid, data, created_at
		 FROM evolvements WHERE group_id = ? ORDER BY seq`,
		group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.EvolvementRecord
	for rows.Next() {
		rec, err := scanEvolvement(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

func (s *TranscriptStore) GetEvolvement(ctx context.Context, group, cid string) (*storage.EvolvementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, epoch, cid, data, created_at
		 FROM evolvements WHERE group_id = ? AND cid = ?`,
		group, cid)
	rec, err := scanEvolvement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvolvement(row scanner) (*storage.EvolvementRecord, error) {
	var rec storage.EvolvementRecord
	var createdAt string
	if err := row.Scan(&rec.Seq, &rec.Epoch, &rec.CID, &rec.Data, &createdAt); err != nil {
		return nil, err
	}
	var parseErr error
	rec.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		slog.Warn("failed to parse created_at timestamp", "cid", rec.CID, "value", createdAt, "error", parseErr)
	}
	return &rec, nil
}

// GetTreeState retrieves the Merkle tree state of the log.
// Returns (0, nil, nil) if no tree state exists yet.
func (s *TranscriptStore) GetTreeState(ctx context.Context, group string) (size uint64, root []byte, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT size, root FROM tree_state WHERE group_id = ?`,
		group).Scan(&size, &root)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	return size, root, nil
}
