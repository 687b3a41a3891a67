package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunRecord is one StreamChat invocation as recorded by the pipeline.
type RunRecord struct {
	ID           uuid.UUID
	Timestamp    time.Time
	Prompt       string
	SessionID    string
	Model        string
	Success      bool
	Cancelled    bool
	ErrorMessage string
	DurationMs   int
	EventCount   int
	InputTokens  int
	OutputTokens int
}

func InsertRunJob(r *RunRecord) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO runs (
				id, ts, prompt, session_id, model, success, cancelled,
				error_message, duration_ms, event_count, input_tokens, output_tokens
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			r.ID, r.Timestamp, r.Prompt, nilIfEmpty(r.SessionID), nilIfEmpty(r.Model),
			r.Success, r.Cancelled, nilIfEmpty(r.ErrorMessage),
			r.DurationMs, r.EventCount, r.InputTokens, r.OutputTokens,
		)
		return err
	})
}

// UpdateRunUsageJob fills in the fields only known once the recorder has
// replayed the full stream: session/model from the terminal events and the
// final token counts.
func UpdateRunUsageJob(runID uuid.UUID, ts time.Time, sessionID, model string, eventCount, inputTokens, outputTokens int) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			UPDATE runs SET
				session_id = COALESCE($1, session_id),
				model = COALESCE($2, model),
				event_count = $3,
				input_tokens = $4,
				output_tokens = $5
			WHERE id = $6 AND ts = $7`,
			nilIfEmpty(sessionID), nilIfEmpty(model),
			eventCount, inputTokens, outputTokens, runID, ts,
		)
		return err
	})
}

// UpdateRunOutcomeJob records how the call itself ended: clean return,
// cancellation, or a transport/read error.
func UpdateRunOutcomeJob(runID uuid.UUID, ts time.Time, success, cancelled bool, errMsg string, durationMs int) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			UPDATE runs SET
				success = $1,
				cancelled = $2,
				error_message = $3,
				duration_ms = $4
			WHERE id = $5 AND ts = $6`,
			success, cancelled, nilIfEmpty(errMsg), durationMs, runID, ts,
		)
		return err
	})
}

// InsertTranscriptJob stores the raw SSE bytes of one run.
func InsertTranscriptJob(runID uuid.UUID, ts time.Time, raw []byte) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO transcripts (run_id, ts, raw) VALUES ($1, $2, $3)`,
			runID, ts, nilIfEmptyBytes(raw),
		)
		return err
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfEmptyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
