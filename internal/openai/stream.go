package openai

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const streamTerminator = "[DONE]"

// EventStream reads server-sent fine-tuning events.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventStream{body: body, scanner: scanner}
}

// Recv returns the next event. It returns io.EOF when the stream ends
// cleanly; any other error means the stream dropped and must be reopened
// after re-checking the job status.
func (s *EventStream) Recv() (Event, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == streamTerminator {
			return Event{}, io.EOF
		}

		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return Event{}, fmt.Errorf("failed to decode event: %w", err)
		}
		return ev, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("event stream dropped: %w", err)
	}
	return Event{}, io.EOF
}

// Close releases the underlying connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}
