package stream

import (
	"io"
)

// TeeReadCloser duplicates a response body so the raw SSE bytes can be
// captured while the consumer parses them. When the consumer finishes
// (Close or read error), the pipe is closed so the capture side sees EOF.
type TeeReadCloser struct {
	reader io.Reader
	body   io.ReadCloser
	pw     *io.PipeWriter
}

// TeeBody splits an io.ReadCloser into two:
//   - consumerReader: the stream consumer reads from this (data also copied
//     to the pipe)
//   - captureReader: a background transcript recorder reads from this
func TeeBody(body io.ReadCloser) (consumerReader *TeeReadCloser, captureReader *io.PipeReader) {
	pr, pw := io.Pipe()
	tee := io.TeeReader(body, pw)

	return &TeeReadCloser{
		reader: tee,
		body:   body,
		pw:     pw,
	}, pr
}

func (t *TeeReadCloser) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if err != nil {
		// Propagate EOF and read errors to the capture side so it
		// never blocks past the end of the stream.
		t.pw.CloseWithError(err)
	}
	return n, err
}

func (t *TeeReadCloser) Close() error {
	t.pw.Close()
	return t.body.Close()
}
