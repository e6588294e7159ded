package publish

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/rummager/rummager/pkg/postgres"
)

// Sink receives published rows in batches, in addition to the files.
// Implementations must accept concurrent calls to the two methods.
type Sink interface {
	Name() string
	WriteScores(ctx context.Context, rows []ScoreRow) error
	WriteMetadata(ctx context.Context, rows []MetadataRow) error
}

// batcher buffers rows and hands them to flush size at a time.
type batcher[T any] struct {
	size  int
	rows  []T
	flush func(ctx context.Context, rows []T) error
}

func newBatcher[T any](size int, flush func(ctx context.Context, rows []T) error) *batcher[T] {
	return &batcher[T]{size: size, rows: make([]T, 0, size), flush: flush}
}

func (b *batcher[T]) add(ctx context.Context, row T) error {
	b.rows = append(b.rows, row)
	if len(b.rows) < b.size {
		return nil
	}
	return b.drain(ctx)
}

func (b *batcher[T]) drain(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	err := b.flush(ctx, b.rows)
	b.rows = b.rows[:0]
	return err
}

// PostgresSink upserts published rows, one transaction per batch.
//
// It maintains two tables:
//
//	CREATE TABLE published_scores (
//	    canonical_id TEXT PRIMARY KEY,
//	    score        DOUBLE PRECISION NOT NULL
//	);
//	CREATE TABLE doc_metadata (
//	    dense_id     BIGINT PRIMARY KEY,
//	    canonical_id TEXT NOT NULL,
//	    title        TEXT NOT NULL,
//	    authors      TEXT NOT NULL,
//	    categories   TEXT NOT NULL,
//	    update_date  TEXT NOT NULL,
//	    placeholder  BOOLEAN NOT NULL
//	);
type PostgresSink struct {
	db *postgres.Client
}

func NewPostgresSink(db *postgres.Client) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS published_scores (
			canonical_id TEXT PRIMARY KEY,
			score        DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS doc_metadata (
			dense_id     BIGINT PRIMARY KEY,
			canonical_id TEXT NOT NULL,
			title        TEXT NOT NULL,
			authors      TEXT NOT NULL,
			categories   TEXT NOT NULL,
			update_date  TEXT NOT NULL,
			placeholder  BOOLEAN NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating publish tables: %w", err)
		}
	}
	return nil
}

// Reset empties both tables so rows from an earlier build do not linger.
func (s *PostgresSink) Reset(ctx context.Context) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `TRUNCATE published_scores, doc_metadata`); err != nil {
			return fmt.Errorf("clearing publish tables: %w", err)
		}
		return nil
	})
}

func (s *PostgresSink) WriteScores(ctx context.Context, rows []ScoreRow) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO published_scores (canonical_id, score) VALUES ($1, $2)
			ON CONFLICT (canonical_id) DO UPDATE SET score = EXCLUDED.score`)
		if err != nil {
			return fmt.Errorf("preparing score upsert: %w", err)
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.CanonicalID, r.Score); err != nil {
				return fmt.Errorf("upserting score for %s: %w", r.CanonicalID, err)
			}
		}
		return nil
	})
}

func (s *PostgresSink) WriteMetadata(ctx context.Context, rows []MetadataRow) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO doc_metadata (dense_id, canonical_id, title, authors, categories, update_date, placeholder)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (dense_id) DO UPDATE SET
				canonical_id = EXCLUDED.canonical_id,
				title = EXCLUDED.title,
				authors = EXCLUDED.authors,
				categories = EXCLUDED.categories,
				update_date = EXCLUDED.update_date,
				placeholder = EXCLUDED.placeholder`)
		if err != nil {
			return fmt.Errorf("preparing metadata upsert: %w", err)
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, int64(r.DenseID), r.CanonicalID, r.Title, r.Authors, r.Categories, r.Date, r.Placeholder); err != nil {
				return fmt.Errorf("upserting metadata for doc %d: %w", r.DenseID, err)
			}
		}
		return nil
	})
}

// HashWriter is the subset of the Redis client RedisSink needs.
type HashWriter interface {
	HSetMany(ctx context.Context, key string, fields map[string]string) error
	Del(ctx context.Context, keys ...string) error
}

// RedisSink writes scores into one hash keyed by canonical ID and metadata
// lines into another keyed by DenseID.
type RedisSink struct {
	client      HashWriter
	scoreKey    string
	metadataKey string
}

func NewRedisSink(client HashWriter, scoreKey, metadataKey string) *RedisSink {
	return &RedisSink{client: client, scoreKey: scoreKey, metadataKey: metadataKey}
}

func (s *RedisSink) Name() string { return "redis" }

// Reset drops both hashes so rows from an earlier build do not linger.
func (s *RedisSink) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.scoreKey, s.metadataKey); err != nil {
		return fmt.Errorf("clearing redis publish keys: %w", err)
	}
	return nil
}

func (s *RedisSink) WriteScores(ctx context.Context, rows []ScoreRow) error {
	fields := make(map[string]string, len(rows))
	for _, r := range rows {
		fields[r.CanonicalID] = strconv.FormatFloat(r.Score, 'f', ScoreDigits, 64)
	}
	if err := s.client.HSetMany(ctx, s.scoreKey, fields); err != nil {
		return fmt.Errorf("writing scores to redis: %w", err)
	}
	return nil
}

func (s *RedisSink) WriteMetadata(ctx context.Context, rows []MetadataRow) error {
	fields := make(map[string]string, len(rows))
	for _, r := range rows {
		fields[strconv.FormatUint(uint64(r.DenseID), 10)] = r.Line()
	}
	if err := s.client.HSetMany(ctx, s.metadataKey, fields); err != nil {
		return fmt.Errorf("writing metadata to redis: %w", err)
	}
	return nil
}
