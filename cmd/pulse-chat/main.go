// Command pulse-chat runs one prompt against a live Pulse instance and
// streams the assistant's answer to stdout.
//
// Usage:
//
//	pulse-chat [flags] <prompt...>
//
// With -record, the raw SSE traffic is relayed through an embedded NATS
// JetStream and persisted to PostgreSQL (per-run transcript, decoded events,
// token usage). Connection settings come from the environment (PULSE_URL,
// PULSE_API_TOKEN, DATABASE_URL, ...).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	nats "github.com/nats-io/nats.go"
	"github.com/rcourtman/pulse-chat/internal/chat"
	"github.com/rcourtman/pulse-chat/internal/config"
	"github.com/rcourtman/pulse-chat/internal/jetstream"
	"github.com/rcourtman/pulse-chat/internal/recorder"
	"github.com/rcourtman/pulse-chat/internal/storage"
	"github.com/rcourtman/pulse-chat/internal/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	session := flag.String("session", "", "Continue an existing chat session")
	model := flag.String("model", "", "Model override for this request")
	finding := flag.String("finding", "", "Finding ID to pre-populate context (Discuss flow)")
	record := flag.Bool("record", false, "Record the stream to PostgreSQL via embedded NATS")
	timeout := flag.Duration("timeout", 0, "Inactivity timeout override (0 uses STREAM_IDLE_TIMEOUT)")
	flag.Parse()

	prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: pulse-chat [flags] <prompt...>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	overrideIdleTimeout(cfg, *timeout)

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := chat.NewClient(cfg)

	runID := uuid.New()
	ts := time.Now()

	var pipeline *recordPipeline
	if *record {
		pipeline, err = startPipeline(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start recording pipeline")
		}

		pipeline.writer.Enqueue(storage.InsertRunJob(&storage.RunRecord{
			ID:        runID,
			Timestamp: ts,
			Prompt:    prompt,
			SessionID: *session,
			Model:     *model,
		}))
		client.SetCapture(pipeline.captureFunc(runID))
	}

	req := chat.ChatRequest{
		Prompt:    prompt,
		SessionID: *session,
		Model:     *model,
		FindingID: *finding,
	}

	start := time.Now()
	err = client.StreamChat(ctx, req, printEvent)

	if pipeline != nil {
		pipeline.finishRun(runID, ts, err, int(time.Since(start).Milliseconds()))
	}

	exitCode := 0
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Info().Msg("chat cancelled")
	default:
		var terr *chat.TransportError
		if errors.As(err, &terr) {
			log.Error().Int("status", terr.StatusCode).Str("message", terr.Message).Msg("chat request failed")
		} else {
			log.Error().Err(err).Msg("chat stream failed")
		}
		exitCode = 1
	}

	// Drain the pipeline before exiting so the outcome update is not lost.
	if pipeline != nil {
		pipeline.shutdown()
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// overrideIdleTimeout applies the -timeout flag on top of the environment
// config. Zero keeps the configured window.
func overrideIdleTimeout(cfg *config.Config, d time.Duration) {
	if d > 0 {
		cfg.IdleTimeout = d
	}
}

// printEvent renders one stream event for the terminal. The switch is the
// single dispatch point for the event vocabulary; unknown types are logged
// rather than dropped silently.
func printEvent(ev stream.Event) {
	switch ev.Type {
	case stream.TypeContent:
		var data stream.ContentData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			fmt.Print(data.Text)
		}
	case stream.TypeThinking:
		var data stream.ThinkingData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			log.Debug().Str("thinking", data.Text).Msg("assistant reasoning")
		}
	case stream.TypeToolStart:
		var data stream.ToolStartData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			log.Info().Str("tool", data.Name).Msg("tool started")
		}
	case stream.TypeToolEnd:
		var data stream.ToolEndData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			log.Info().Str("tool", data.Name).Bool("success", data.Success).Msg("tool finished")
		}
	case stream.TypeTool:
		if len(ev.Data) > 0 {
			log.Info().RawJSON("data", ev.Data).Msg("tool activity")
		}
	case stream.TypeSession:
		var data stream.SessionData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			log.Info().Str("session_id", data.ID).Msg("session")
		}
	case stream.TypeApprovalNeeded:
		var data stream.ApprovalNeededData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			fmt.Fprintf(os.Stderr, "\napproval required [%s]: %s (%s)\n", data.Risk, data.Command, data.Description)
			log.Info().
				Str("approval_id", data.ApprovalID).
				Str("tool", data.ToolName).
				Msg("tool call awaiting approval")
		}
	case stream.TypeComplete:
		// "complete" carries its fields at the top level of the payload
		// line, not nested under "data".
		var data stream.CompleteData
		if err := json.Unmarshal(ev.Raw, &data); err == nil {
			log.Info().
				Str("model", data.Model).
				Int("input_tokens", data.InputTokens).
				Int("output_tokens", data.OutputTokens).
				Msg("usage")
		}
	case stream.TypeError:
		var data stream.ErrorData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			fmt.Fprintf(os.Stderr, "\nassistant error: %s\n", data.Message)
		}
	case stream.TypeDone:
		fmt.Println()
	default:
		log.Debug().Str("type", ev.Type).Msg("unhandled event type")
	}
}

// recordPipeline owns the embedded NATS server, the JetStream relay and the
// Postgres batch writer for one process.
type recordPipeline struct {
	pool     *pgxpool.Pool
	writer   *storage.BatchWriter
	js       nats.JetStreamContext
	nc       *nats.Conn
	srv      *jetstream.Server
	rec      *recorder.Recorder
	cancel   context.CancelFunc
	captured chan struct{}
}

func startPipeline(ctx context.Context, cfg *config.Config) (*recordPipeline, error) {
	pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := storage.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	srv, err := jetstream.NewServer(cfg.NATSStoreDir)
	if err != nil {
		pool.Close()
		return nil, err
	}
	nc, err := srv.Connect()
	if err != nil {
		srv.Shutdown()
		pool.Close()
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		srv.Shutdown()
		pool.Close()
		return nil, err
	}
	if err := jetstream.EnsureStream(js); err != nil {
		srv.Shutdown()
		pool.Close()
		return nil, err
	}

	writer := storage.NewBatchWriter(pool, cfg.WriterBufferSize, cfg.WriterBatchSize, cfg.WriterFlushMs)
	rec := recorder.New(writer)

	consumerCtx, cancel := context.WithCancel(context.Background())
	go rec.StartConsumer(consumerCtx, js)

	return &recordPipeline{
		pool:     pool,
		writer:   writer,
		js:       js,
		nc:       nc,
		srv:      srv,
		rec:      rec,
		cancel:   cancel,
		captured: make(chan struct{}),
	}, nil
}

// captureFunc publishes the raw SSE chunks of one run to JetStream as they
// arrive, in order, then signals completion so finishRun can emit the done
// marker after the last chunk.
func (p *recordPipeline) captureFunc(runID uuid.UUID) func(io.Reader) {
	subject := jetstream.ChunkSubject(runID.String())
	return func(r io.Reader) {
		defer close(p.captured)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if _, perr := p.js.Publish(subject, buf[:n]); perr != nil {
					log.Error().Err(perr).Msg("failed to publish chunk")
				}
			}
			if err != nil {
				return
			}
		}
	}
}

// finishRun waits for the capture side to drain, publishes the done marker
// that triggers the recorder's finalize pass, and records the call outcome.
func (p *recordPipeline) finishRun(runID uuid.UUID, ts time.Time, callErr error, durationMs int) {
	// A *TransportError means no response body was ever opened, so the
	// capture goroutine never ran and there is nothing to finalize.
	var terr *chat.TransportError
	if !errors.As(callErr, &terr) {
		<-p.captured

		marker, _ := json.Marshal(map[string]int64{"ts": ts.UnixNano()})
		if _, err := p.js.Publish(jetstream.DoneSubject(runID.String()), marker); err != nil {
			log.Error().Err(err).Msg("failed to publish done marker")
		} else {
			p.waitFinalized(runID.String())
		}
	}

	cancelled := errors.Is(callErr, context.Canceled)
	errMsg := ""
	if callErr != nil && !cancelled {
		errMsg = callErr.Error()
	}
	p.writer.Enqueue(storage.UpdateRunOutcomeJob(runID, ts, callErr == nil, cancelled, errMsg, durationMs))
}

// waitFinalized blocks until the recorder has enqueued the run's write jobs,
// so shutdown cannot drain the subscription out from under them. The deadline
// covers a recorder that never saw the run at all.
func (p *recordPipeline) waitFinalized(runID string) {
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case id := <-p.rec.Finalized():
			if id == runID {
				return
			}
		case <-deadline.C:
			log.Warn().Str("run_id", runID).Msg("timed out waiting for run recording to finalize")
			return
		}
	}
}

func (p *recordPipeline) shutdown() {
	p.cancel()
	p.nc.Drain()
	p.srv.Shutdown()
	p.writer.Shutdown()
	p.pool.Close()
}
