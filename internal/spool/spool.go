// Package spool keeps processing results whose submission failed and
// resubmits them on later cycles. Only the submission is retried; the
// agent never processes a message twice.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/tether/internal/transport"
)

const (
	DefaultMaxAttempts = 5
	DefaultBatchSize   = 20
)

// Sender resubmits a stored result.
type Sender interface {
	SubmitResult(ctx context.Context, messageID, agentID string, result any) transport.Outcome
}

// Entry is one spooled result.
type Entry struct {
	ID        string
	MessageID string
	AgentID   string
	Result    json.RawMessage
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// FlushStats summarizes one Flush call.
type FlushStats struct {
	Sent    int
	Failed  int
	Dropped int
}

type Spool struct {
	db          *sql.DB
	maxAttempts int
	logger      *slog.Logger
}

// New returns a Spool over a database bootstrapped by storage.OpenSQLite.
func New(db *sql.DB, maxAttempts int, logger *slog.Logger) *Spool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Spool{
		db:          db,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "spool"),
	}
}

// Add stores result for later resubmission. The failed submission that led
// here counts as the first attempt.
func (s *Spool) Add(ctx context.Context, messageID, agentID string, result any, lastError string) error {
	if messageID == "" {
		return fmt.Errorf("message id is empty")
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO result_spool(id, seq, message_id, agent_id, result, attempts, last_error, created_at, updated_at)
VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM result_spool), ?, ?, ?, 1, ?, ?, ?);
`, uuid.NewString(), messageID, agentID, string(b), lastError, now, now)
	if err != nil {
		return fmt.Errorf("spool result: %w", err)
	}
	return nil
}

// Len returns the number of spooled results.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_spool;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}

// Pending returns up to limit entries, oldest first.
func (s *Spool) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, agent_id, result, attempts, last_error, created_at
FROM result_spool
ORDER BY seq ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list spool: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			result     string
			lastError  sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.AgentID, &result, &e.Attempts, &lastError, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan spool: %w", err)
		}
		e.Result = json.RawMessage(result)
		e.LastError = lastError.String
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Flush resubmits up to batch entries in insertion order. Delivered entries
// are removed. The first failed resubmission stops the flush; an entry that
// has used up its attempts is dropped with a warning.
func (s *Spool) Flush(ctx context.Context, sender Sender, batch int) (FlushStats, error) {
	var stats FlushStats

	entries, err := s.Pending(ctx, batch)
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, nil
		}

		out := sender.SubmitResult(ctx, e.MessageID, e.AgentID, e.Result)
		if out.OK() {
			if err := s.delete(ctx, e.ID); err != nil {
				return stats, err
			}
			stats.Sent++
			s.logger.Info("spooled result submitted", "message_id", e.MessageID, "attempts", e.Attempts+1)
			continue
		}

		stats.Failed++
		attempts := e.Attempts + 1
		if attempts >= s.maxAttempts {
			if err := s.delete(ctx, e.ID); err != nil {
				return stats, err
			}
			stats.Dropped++
			s.logger.Warn("dropping spooled result after max attempts",
				"message_id", e.MessageID, "attempts", attempts, "detail", out.Detail())
			continue
		}

		if err := s.markFailed(ctx, e.ID, attempts, out.Detail()); err != nil {
			return stats, err
		}
		s.logger.Debug("spooled result resubmission failed",
			"message_id", e.MessageID, "attempts", attempts, "detail", out.Detail())
		return stats, nil
	}
	return stats, nil
}

func (s *Spool) delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM result_spool WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete spooled result: %w", err)
	}
	return nil
}

func (s *Spool) markFailed(ctx context.Context, id string, attempts int, lastError string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
UPDATE result_spool SET attempts = ?, last_error = ?, updated_at = ? WHERE id = ?;
`, attempts, lastError, now, id)
	if err != nil {
		return fmt.Errorf("update spooled result: %w", err)
	}
	return nil
}
