package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rcourtman/pulse-chat/internal/jetstream"
	"github.com/rcourtman/pulse-chat/internal/storage"
	"github.com/rcourtman/pulse-chat/internal/stream"
	"github.com/rs/zerolog/log"
)

// Recorder replays the raw SSE chunks relayed over JetStream through the
// frame decoder and persists the result: one transcript, one event batch and
// a usage update per run.
type Recorder struct {
	writer    *storage.BatchWriter
	finalized chan string

	mu     sync.Mutex
	active map[string]*runCapture
}

// runCapture accumulates one run's chunks between the first chunk message
// and the done marker.
type runCapture struct {
	id     uuid.UUID
	parser *stream.Parser
	events []stream.Event
	raw    bytes.Buffer
}

func New(writer *storage.BatchWriter) *Recorder {
	return &Recorder{
		writer:    writer,
		finalized: make(chan string, 8),
		active:    make(map[string]*runCapture),
	}
}

// Finalized delivers the id of each run whose done marker has been processed
// and whose write jobs are enqueued. Waiters use it to hold shutdown until a
// run's recording cannot be lost.
func (r *Recorder) Finalized() <-chan string {
	return r.finalized
}

// StartConsumer subscribes to the run chunk subjects and blocks until ctx is
// cancelled. Messages on one subscription arrive in order, so chunk replay
// matches the live stream byte-for-byte.
func (r *Recorder) StartConsumer(ctx context.Context, js nats.JetStreamContext) {
	sub, err := js.Subscribe(jetstream.SubjectPrefix+">", r.handleMessage)
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to run chunks")
		return
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
}

func (r *Recorder) handleMessage(msg *nats.Msg) {
	subject := strings.TrimPrefix(msg.Subject, jetstream.SubjectPrefix)

	if id, ok := strings.CutSuffix(subject, ".done"); ok {
		r.finalize(id, msg.Data)
		return
	}

	capture := r.capture(subject)
	if capture == nil {
		return
	}
	capture.addChunk(msg.Data)
}

func (r *Recorder) capture(id string) *runCapture {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.active[id]; ok {
		return c
	}

	runID, err := uuid.Parse(id)
	if err != nil {
		log.Warn().Str("subject_id", id).Msg("ignoring chunk with malformed run id")
		return nil
	}

	c := &runCapture{id: runID, parser: stream.NewParser()}
	r.active[id] = c
	return c
}

func (c *runCapture) addChunk(data []byte) {
	c.raw.Write(data)
	c.events = append(c.events, c.parser.Feed(data)...)
}

// finish flushes any trailing partial frame and returns the full ordered
// event sequence of the run.
func (c *runCapture) finish() []stream.Event {
	c.events = append(c.events, c.parser.Flush()...)
	return c.events
}

func (r *Recorder) finalize(id string, doneData []byte) {
	// Signal even on the error paths so a waiter never hangs on a run the
	// recorder could not match.
	defer func() {
		select {
		case r.finalized <- id:
		default:
		}
	}()

	r.mu.Lock()
	capture, ok := r.active[id]
	delete(r.active, id)
	r.mu.Unlock()

	if !ok {
		log.Debug().Str("run_id", id).Msg("done marker for unknown run")
		return
	}

	// The done marker carries the run timestamp so the usage update hits
	// the right runs row.
	var marker struct {
		TS int64 `json:"ts"`
	}
	if err := json.Unmarshal(doneData, &marker); err != nil {
		log.Error().Err(err).Str("run_id", id).Msg("malformed done marker")
		return
	}
	ts := time.Unix(0, marker.TS)

	events := capture.finish()

	var sessionID, model string
	var inputTokens, outputTokens int
	for _, ev := range events {
		extractUsage(ev, &sessionID, &model, &inputTokens, &outputTokens)
	}

	if len(events) > 0 {
		r.writer.Enqueue(storage.InsertChatEventsJob(capture.id, ts, events))
	}
	if capture.raw.Len() > 0 {
		r.writer.Enqueue(storage.InsertTranscriptJob(capture.id, ts, capture.raw.Bytes()))
	}
	r.writer.Enqueue(storage.UpdateRunUsageJob(capture.id, ts, sessionID, model, len(events), inputTokens, outputTokens))

	log.Debug().
		Str("run_id", id).
		Int("events", len(events)).
		Str("model", model).
		Int("input_tokens", inputTokens).
		Int("output_tokens", outputTokens).
		Msg("run recording complete")
}

func extractUsage(ev stream.Event, sessionID, model *string, input, output *int) {
	switch ev.Type {
	case stream.TypeSession:
		var data stream.SessionData
		if err := json.Unmarshal(ev.Data, &data); err == nil && data.ID != "" {
			*sessionID = data.ID
		}
	case stream.TypeComplete:
		// "complete" carries its fields at the top level of the payload
		// line, not nested under "data".
		var data stream.CompleteData
		if err := json.Unmarshal(ev.Raw, &data); err == nil {
			*model = data.Model
			*input = data.InputTokens
			*output = data.OutputTokens
		}
	case stream.TypeDone:
		var data stream.DoneData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			if data.SessionID != "" {
				*sessionID = data.SessionID
			}
			if data.OutputTokens > 0 {
				*output = data.OutputTokens
			}
			if data.InputTokens > 0 {
				*input = data.InputTokens
			}
		}
	}
}
