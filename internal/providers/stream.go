package providers

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Stream reads the data payloads of a server-sent event stream.
type Stream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	onClose  func()
	provider string
	once     sync.Once
}

// NewStream wraps an SSE body.
func NewStream(provider string, body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &Stream{provider: provider, body: body, scanner: sc}
}

// Provider returns the name of the provider serving the stream.
func (s *Stream) Provider() string { return s.provider }

// OnClose registers fn to run once when the stream is closed.
func (s *Stream) OnClose(fn func()) { s.onClose = fn }

// Next returns the next event payload. It returns io.EOF after the [DONE]
// marker or at the end of the body.
func (s *Stream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		payload, ok := bytes.CutPrefix(line, dataPrefix)
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if bytes.Equal(payload, doneMarker) {
			return nil, io.EOF
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the underlying body.
func (s *Stream) Close() error {
	err := s.body.Close()
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
