// Package sse opens job streams over HTTP server-sent events.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/stream"
)

// MaxLineSize bounds a single event-stream line.
const MaxLineSize = 1 << 20

// StreamPath is the route of a job stream relative to the base URL.
const StreamPath = "/transaction/stream/"

// Transport implements stream.Transport against GET {BaseURL}/transaction/stream/{jobID}.
type Transport struct {
	BaseURL string

	// HTTPClient must not set a Timeout, which would cut long streams.
	// Default: http.DefaultClient
	HTTPClient *http.Client

	// Buffer is the event channel capacity.
	// Default: 16
	Buffer int
}

// StatusError is returned by Open when the server refuses the stream.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sse: unexpected status %s", e.Status)
}

// Open connects to the job stream. The returned stream first delivers
// EventOpen, then one EventMessage per dispatched event.
func (t *Transport) Open(ctx context.Context, jobID string) (stream.Stream, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, stream.ErrEmptyJobID
	}
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	buffer := t.Buffer
	if buffer <= 0 {
		buffer = 16
	}

	pipe := stream.NewPipe(ctx, buffer, nil)
	endpoint := strings.TrimRight(t.BaseURL, "/") + StreamPath + url.PathEscape(jobID)

	req, err := http.NewRequestWithContext(pipe.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		pipe.Close()
		return nil, fmt.Errorf("sse: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		pipe.Close()
		return nil, fmt.Errorf("sse: connect: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		pipe.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	logger := logging.Global().Named("sse").With(logging.JobID(jobID))
	go read(pipe, resp.Body, logger)
	return pipe, nil
}

func read(pipe *stream.Pipe, body io.ReadCloser, logger *logging.Logger) {
	defer pipe.Finish()
	defer body.Close()

	if !pipe.Send(stream.Event{Kind: stream.EventOpen}) {
		return
	}

	done := false
	dec := NewDecoder(body)
	for {
		msg, err := dec.Next()
		if err != nil {
			if pipe.Context().Err() != nil {
				return
			}
			if err == io.EOF {
				if !done {
					pipe.Send(stream.Event{Kind: stream.EventError, Err: stream.ErrStreamEnded})
				}
				return
			}
			logger.Warn("stream read failed", zap.Error(err))
			pipe.Send(stream.Event{Kind: stream.EventError, Err: fmt.Errorf("sse: read: %w", err)})
			return
		}

		switch msg.Event {
		case "", "message":
			if msg.Data == stream.DoneSignal {
				done = true
			}
			if !pipe.Send(stream.Event{Kind: stream.EventMessage, Data: msg.Data}) {
				return
			}
		case "error":
			pipe.Send(stream.Event{Kind: stream.EventError, Err: fmt.Errorf("sse: server error: %s", msg.Data)})
			return
		default:
			logger.Debug("ignoring event", zap.String("event", msg.Event))
		}
	}
}

// Message is one dispatched server-sent event.
type Message struct {
	Event string
	Data  string
	ID    string
}

// Decoder splits an event stream into messages.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next message with at least one data line. Data lines are
// joined with "\n". Comments, retry fields and events without data are
// skipped. It returns io.EOF at the end of the stream; a trailing event with
// no terminating blank line is dropped.
func (d *Decoder) Next() (Message, error) {
	var (
		msg     Message
		data    []string
		hasData bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if hasData {
				msg.Data = strings.Join(data, "\n")
				return msg, nil
			}
			msg = Message{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			msg.ID = value
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
