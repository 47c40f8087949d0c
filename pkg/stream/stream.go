package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Fragment is a piece of assistant reply text delivered incrementally, plus
// the server-assigned thread id when the backend sends one.
type Fragment struct {
	Text     string
	ThreadID string
}

// Stream is a lazy, finite, not restartable sequence of fragments decoded
// from a generation response body.
//
// Recv drives the underlying network read; io.EOF marks normal end of
// stream. Close releases the body and may be called any number of times;
// a Recv racing a caller-initiated Close reports io.EOF, not an error.
type Stream struct {
	body   io.ReadCloser
	format Format
	reader *bufio.Reader

	// raw format: bytes of a rune split across chunk boundaries
	held []byte
	buf  []byte

	threadIDSeen bool
	done         bool

	mu     sync.Mutex
	closed bool
}

func newStream(body io.ReadCloser, format Format) *Stream {
	return &Stream{
		body:   body,
		format: format,
		reader: bufio.NewReader(body),
		buf:    make([]byte, 4096),
	}
}

// eventFrame is one event-framed chunk. The backend emits an error frame
// before the terminal done frame when generation fails server-side.
type eventFrame struct {
	Text     string `json:"text"`
	ThreadID string `json:"thread_id"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Recv returns the next fragment, io.EOF at end of stream, or an error.
func (s *Stream) Recv() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}
	switch s.format {
	case FormatRaw:
		return s.recvRaw()
	case FormatEvent:
		return s.recvEvent()
	}
	return Fragment{}, errors.Errorf("unknown stream format %q", s.format)
}

func (s *Stream) recvEvent() (Fragment, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				// final line without trailing newline
				if frag, ok, ferr := s.parseEventLine(line); ferr != nil || ok {
					return frag, ferr
				}
			}
			return Fragment{}, s.terminalError(err)
		}

		frag, ok, err := s.parseEventLine(line)
		if err != nil {
			return Fragment{}, err
		}
		if ok {
			return frag, nil
		}
	}
}

// parseEventLine decodes a single line. ok is false when the line carries
// nothing to surface (blank line, non-data line, malformed JSON, empty
// frame); malformed lines are skipped silently and never abort the stream.
func (s *Stream) parseEventLine(line []byte) (Fragment, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
		return Fragment{}, false, nil
	}

	var frame eventFrame
	if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &frame); err != nil {
		log.Trace().Err(err).Msg("skipping malformed stream frame")
		return Fragment{}, false, nil
	}

	if frame.Error != "" {
		s.done = true
		return Fragment{}, false, errors.Errorf("generation failed: %s", frame.Error)
	}

	frag := Fragment{Text: frame.Text}
	if frame.ThreadID != "" && !s.threadIDSeen {
		s.threadIDSeen = true
		frag.ThreadID = frame.ThreadID
	}

	if frame.Done {
		s.done = true
		if frag.Text == "" && frag.ThreadID == "" {
			return Fragment{}, false, io.EOF
		}
		return frag, true, nil
	}

	if frag.Text == "" && frag.ThreadID == "" {
		return Fragment{}, false, nil
	}
	return frag, true, nil
}

func (s *Stream) recvRaw() (Fragment, error) {
	for {
		n, err := s.reader.Read(s.buf)
		if n > 0 {
			text := s.decodeChunk(s.buf[:n])
			if text != "" {
				return Fragment{Text: text}, nil
			}
		}
		if err != nil {
			if flushed := s.flushHeld(); flushed != "" {
				s.done = true
				return Fragment{Text: flushed}, nil
			}
			return Fragment{}, s.terminalError(err)
		}
	}
}

// decodeChunk performs stateful UTF-8 decoding: the trailing bytes of an
// incomplete rune are held back and completed by the next chunk.
func (s *Stream) decodeChunk(chunk []byte) string {
	data := chunk
	if len(s.held) > 0 {
		data = append(s.held, chunk...)
		s.held = nil
	}

	cut := len(data)
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		if utf8.RuneStart(data[len(data)-i]) {
			if !utf8.FullRune(data[len(data)-i:]) {
				cut = len(data) - i
			}
			break
		}
	}

	if cut < len(data) {
		s.held = append([]byte(nil), data[cut:]...)
	}
	return string(data[:cut])
}

// flushHeld emits any held partial character as-is at stream end.
func (s *Stream) flushHeld() string {
	if len(s.held) == 0 {
		return ""
	}
	out := string(s.held)
	s.held = nil
	return out
}

// terminalError maps a read error to the stream contract: normal body
// closure and caller-initiated close both read as io.EOF.
func (s *Stream) terminalError(err error) error {
	s.done = true
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return io.EOF
	}
	return errors.Wrap(err, "stream read failed")
}

// Close releases the underlying reader. Safe to call multiple times and on
// every exit path.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}
