package chat

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rcourtman/pulse-chat/internal/stream"
)

// streamState tracks where one stream is in its lifecycle. Transitions are
// one-directional: open -> draining -> closed.
type streamState int

const (
	stateOpen     streamState = iota // actively reading
	stateDraining                    // transport ended, trailing buffer not yet flushed
	stateClosed                      // resources released, no further events
)

type readResult struct {
	data []byte
	err  error
}

// streamRun owns one streaming response body for the duration of a
// StreamChat call. It is never shared across calls; concurrent chats are
// independent runs.
type streamRun struct {
	body     io.ReadCloser
	handler  Handler
	parser   *stream.Parser
	idle     time.Duration
	state    streamState
	terminal bool
}

func (c *Client) newRun(body io.ReadCloser, handler Handler) *streamRun {
	var rc io.ReadCloser = body
	if c.capture != nil {
		tee, pr := stream.TeeBody(body)
		go c.capture(pr)
		rc = tee
	}
	return &streamRun{
		body:    rc,
		handler: handler,
		parser:  stream.NewParser(),
		idle:    c.idleTimeout,
	}
}

// consume races the next chunk against the inactivity timer and external
// cancellation; exactly one wins per iteration. The body is closed on every
// exit path, including a panicking handler, which also unblocks the reader
// goroutine.
func (r *streamRun) consume(ctx context.Context) error {
	defer func() {
		r.state = stateClosed
		r.body.Close()
	}()

	chunks := make(chan readResult)
	quit := make(chan struct{})
	defer close(quit)
	go r.readLoop(chunks, quit)

	timer := time.NewTimer(r.idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// The caller initiated the stop and already knows, so no
			// synthetic done.
			r.state = stateDraining
			return ctx.Err()

		case <-timer.C:
			// Inactivity is a soft stop, not a failure: everything
			// dispatched so far stays valid.
			r.state = stateDraining
			r.finish(ctx)
			return nil

		case res := <-chunks:
			if len(res.data) > 0 {
				resetTimer(timer, r.idle)
				for _, ev := range r.parser.Feed(res.data) {
					if ctx.Err() != nil {
						r.state = stateDraining
						return ctx.Err()
					}
					r.dispatch(ev)
					if r.terminal {
						r.state = stateDraining
						return nil
					}
				}
			}
			if res.err != nil {
				r.state = stateDraining
				r.finish(ctx)
				if res.err == io.EOF {
					return nil
				}
				return fmt.Errorf("stream read error: %w", res.err)
			}
		}
	}
}

// readLoop feeds the chunk channel from the blocking transport read so the
// select in consume can race it against the timer and cancellation. The
// chunk is copied because the read buffer is reused.
func (r *streamRun) readLoop(chunks chan<- readResult, quit <-chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.body.Read(buf)
		res := readResult{err: err}
		if n > 0 {
			res.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case chunks <- res:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// finish flushes the trailing buffer as one best-effort frame, then
// synthesizes a done event if the stream never produced a terminal one.
// Callers cannot tell a synthetic done from a server-sent one.
func (r *streamRun) finish(ctx context.Context) {
	for _, ev := range r.parser.Flush() {
		if ctx.Err() != nil {
			return
		}
		r.dispatch(ev)
		if r.terminal {
			return
		}
	}
	if !r.terminal {
		r.dispatch(stream.Event{Type: stream.TypeDone})
	}
}

// dispatch hands one event to the handler. Nothing is delivered after a
// terminal event, even if the server keeps sending terminal-looking frames.
func (r *streamRun) dispatch(ev stream.Event) {
	if r.state == stateClosed || r.terminal {
		return
	}
	if ev.Terminal() {
		r.terminal = true
	}
	r.handler(ev)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
