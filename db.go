package captioner

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"

	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/pipeline"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB is the optional caption history.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

var _ pipeline.Recorder = &DB{}

type Caption struct {
	Id        int
	RequestID uuid.UUID
	Mode      captionmodel.Mode
	Text      string
	Model     string
	CreatedAt time.Time
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// An in-memory DB exists per connection
	sqldb.SetMaxOpenConns(1)
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

// RecordCaption appends a successful caption to the history.
func (db *DB) RecordCaption(ctx context.Context, res captionmodel.Result, model string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	prompt, conditional := res.Mode.Prompt()
	var nprompt sql.NullString
	if conditional {
		nprompt = sql.NullString{String: prompt, Valid: true}
	}

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO captions
		(request_id, conditional, prompt, caption, model, created_at)
		VALUES (?,?,?,?,?,?)`,
		res.RequestID.String(), conditional, nprompt, res.Text, model, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording caption %s: %w", res.RequestID, err)
	}
	return nil
}

// RecentCaptions returns up to n captions, newest first.
func (db *DB) RecentCaptions(ctx context.Context, n int) ([]*Caption, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, request_id, conditional, prompt, caption, model, created_at
		FROM captions
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var captions []*Caption
	for rows.Next() {
		c := &Caption{}

		var (
			reqID       string
			conditional bool
			prompt      sql.NullString
		)
		err := rows.Scan(
			&c.Id,
			&reqID,
			&conditional,
			&prompt,
			&c.Text,
			&c.Model,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning captions: %w", err)
		}
		if c.RequestID, err = uuid.Parse(reqID); err != nil {
			return nil, err
		}
		if conditional {
			c.Mode = captionmodel.Conditional(prompt.String)
		}

		captions = append(captions, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating captions: %w", err)
	}

	return captions, nil
}

// CountCaptions returns the number of captions in the DB
func (db *DB) CountCaptions(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	row := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM captions`)
	if row.Err() != nil {
		return 0, row.Err()
	}

	var nc int
	if err := row.Scan(&nc); err != nil {
		return 0, err
	}

	return nc, nil
}
