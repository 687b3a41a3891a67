package recorder

import (
	"testing"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rcourtman/pulse-chat/internal/jetstream"
	"github.com/rcourtman/pulse-chat/internal/storage"
	"github.com/rcourtman/pulse-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transcript = "data: {\"type\":\"session\",\"data\":{\"id\":\"s-7\"}}\n\n" +
	"data: {\"type\":\"content\",\"data\":{\"text\":\"all good\"}}\n\n" +
	"data: {\"type\":\"complete\",\"model\":\"anthropic:claude-sonnet\",\"input_tokens\":120,\"output_tokens\":45,\"tool_calls\":0}\n\n" +
	"data: {\"type\":\"done\",\"data\":{\"session_id\":\"s-7\"}}\n\n"

func TestRunCaptureReplayMatchesSingleChunk(t *testing.T) {
	whole := &runCapture{id: uuid.New(), parser: stream.NewParser()}
	whole.addChunk([]byte(transcript))
	want := whole.finish()
	require.Len(t, want, 4)

	for _, size := range []int{1, 5, 17, 64} {
		c := &runCapture{id: uuid.New(), parser: stream.NewParser()}
		for i := 0; i < len(transcript); i += size {
			end := i + size
			if end > len(transcript) {
				end = len(transcript)
			}
			c.addChunk([]byte(transcript[i:end]))
		}
		got := c.finish()
		require.Len(t, got, len(want), "chunk size %d", size)
		for i := range want {
			assert.Equal(t, want[i].Type, got[i].Type, "chunk size %d, event %d", size, i)
			assert.Equal(t, string(want[i].Data), string(got[i].Data))
			assert.Equal(t, string(want[i].Raw), string(got[i].Raw))
		}
		assert.Equal(t, transcript, c.raw.String(), "raw transcript must be byte-identical")
	}
}

func TestRunCaptureFlushesTrailingFrame(t *testing.T) {
	c := &runCapture{id: uuid.New(), parser: stream.NewParser()}
	c.addChunk([]byte("data: {\"type\":\"content\",\"data\":{\"text\":\"tail\"}}"))
	events := c.finish()
	require.Len(t, events, 1)
	assert.Equal(t, stream.TypeContent, events[0].Type)
}

func TestExtractUsage(t *testing.T) {
	c := &runCapture{id: uuid.New(), parser: stream.NewParser()}
	c.addChunk([]byte(transcript))

	var sessionID, model string
	var input, output int
	for _, ev := range c.finish() {
		extractUsage(ev, &sessionID, &model, &input, &output)
	}

	assert.Equal(t, "s-7", sessionID)
	assert.Equal(t, "anthropic:claude-sonnet", model)
	assert.Equal(t, 120, input)
	assert.Equal(t, 45, output)
}

// The flush interval is long enough that no job executes during the test, so
// a nil pool is safe.
func newIdleRecorder() *Recorder {
	return New(storage.NewBatchWriter(nil, 16, 1000, 60_000))
}

func TestFinalizeSignalsCompletion(t *testing.T) {
	r := newIdleRecorder()
	runID := uuid.New().String()

	r.handleMessage(&nats.Msg{Subject: jetstream.ChunkSubject(runID), Data: []byte(transcript)})
	r.handleMessage(&nats.Msg{Subject: jetstream.DoneSubject(runID), Data: []byte(`{"ts":1}`)})

	select {
	case id := <-r.Finalized():
		assert.Equal(t, runID, id)
	case <-time.After(time.Second):
		t.Fatal("finalize did not signal")
	}
}

func TestFinalizeSignalsUnknownRun(t *testing.T) {
	r := newIdleRecorder()
	runID := uuid.New().String()

	// A run with no captured chunks still signals, so a waiter never
	// blocks on it.
	r.handleMessage(&nats.Msg{Subject: jetstream.DoneSubject(runID), Data: []byte(`{"ts":1}`)})

	select {
	case id := <-r.Finalized():
		assert.Equal(t, runID, id)
	case <-time.After(time.Second):
		t.Fatal("finalize did not signal")
	}
}

func TestExtractUsageDoneOverridesTokens(t *testing.T) {
	var sessionID, model string
	var input, output int

	extractUsage(stream.Event{Type: stream.TypeComplete, Raw: []byte(`{"type":"complete","model":"m","input_tokens":10,"output_tokens":5}`)}, &sessionID, &model, &input, &output)
	extractUsage(stream.Event{Type: stream.TypeDone, Data: []byte(`{"session_id":"s-1","output_tokens":9}`)}, &sessionID, &model, &input, &output)

	assert.Equal(t, "s-1", sessionID)
	assert.Equal(t, "m", model)
	assert.Equal(t, 10, input)
	assert.Equal(t, 9, output)
}
