package jetstream

import (
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "PULSECHAT"
	SubjectPrefix = "pulsechat.run."
)

func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"pulsechat.>"},
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// ChunkSubject carries the raw SSE bytes of one run, in arrival order.
func ChunkSubject(runID string) string {
	return SubjectPrefix + runID
}

// DoneSubject marks the end of one run's chunk stream.
func DoneSubject(runID string) string {
	return SubjectPrefix + runID + ".done"
}
