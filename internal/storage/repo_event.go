package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rcourtman/pulse-chat/internal/stream"
)

// InsertChatEventsJob batch-inserts decoded stream events using the COPY
// protocol. Event order is preserved through the index column. data_json
// stores the full payload line as it appeared on the wire.
func InsertChatEventsJob(runID uuid.UUID, ts time.Time, events []stream.Event) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		rows := make([][]interface{}, len(events))
		for i, ev := range events {
			rows[i] = []interface{}{
				ts,
				runID,
				i,
				ev.Type,
				string(ev.Raw),
				len(ev.Raw),
			}
		}

		_, err := pool.CopyFrom(ctx,
			pgx.Identifier{"chat_events"},
			[]string{"ts", "run_id", "event_index", "event_type", "data_json", "raw_bytes"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
}
