package stream

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

var (
	frameSep = []byte("\n\n")
	crlf     = []byte("\r\n")
	lf       = []byte("\n")
)

// Parser maintains state across chunks so frames split by arbitrary network
// read boundaries still decode. After each Feed the pending buffer holds at
// most one incomplete trailing frame.
type Parser struct {
	pending []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends raw bytes from the transport and returns every complete frame's
// decoded events, in wire order. A CR whose LF arrives in a later chunk is
// held in the pending buffer, so CRLF normalization is chunk-safe.
func (p *Parser) Feed(chunk []byte) []Event {
	p.pending = append(p.pending, chunk...)
	p.pending = bytes.ReplaceAll(p.pending, crlf, lf)

	var events []Event
	for {
		idx := bytes.Index(p.pending, frameSep)
		if idx == -1 {
			break
		}
		frame := p.pending[:idx]
		p.pending = p.pending[idx+len(frameSep):]
		events = append(events, p.parseFrame(frame)...)
	}
	return events
}

// Flush treats whatever remains in the pending buffer as one final candidate
// frame. A dangling partial frame at end-of-stream is expected, so decode
// failures here are swallowed by the same per-line rules Feed uses.
func (p *Parser) Flush() []Event {
	if len(p.pending) == 0 {
		return nil
	}
	frame := p.pending
	p.pending = nil
	return p.parseFrame(frame)
}

// parseFrame decodes one SSE frame. Comment frames and frames with no data
// lines yield nothing. A malformed JSON payload on one line is logged and
// skipped; it never aborts the stream.
func (p *Parser) parseFrame(frame []byte) []Event {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] == ':' {
		return nil
	}

	var events []Event
	for _, line := range bytes.Split(frame, lf) {
		if len(line) > 0 && line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Debug().Err(err).Str("data", string(data)).Msg("failed to decode stream event")
			continue
		}
		ev.Raw = append(json.RawMessage(nil), data...)
		events = append(events, ev)
	}
	return events
}
