package sigclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

const maxFrameSize = 1 << 20

// Frame is one dispatched block of the event stream.
type Frame struct {
	Event models.Event
	// ID is the resume cursor carried by the frame, if any.
	ID string
	// Keepalive frames only carry an id.
	Keepalive bool
}

// Stream parses Server-Sent Events frames from the relay.
type Stream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

func NewStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Stream{body: body, sc: sc}
}

// Next returns the next frame. Comment-only blocks without an id are
// skipped. It returns io.EOF when the relay ends the stream.
func (s *Stream) Next() (Frame, error) {
	var (
		id    string
		data  []string
		seen  bool
		hasID bool
	)
	for s.sc.Scan() {
		line := strings.TrimSuffix(s.sc.Text(), "\r")
		if line == "" {
			if !seen {
				continue
			}
			if len(data) == 0 {
				if hasID {
					return Frame{ID: id, Keepalive: true}, nil
				}
				seen, hasID = false, false
				continue
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil {
				return Frame{}, fmt.Errorf("decode stream frame: %w", err)
			}
			return Frame{Event: ev, ID: id}, nil
		}

		seen = true
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "id":
			id, hasID = value, true
		}
	}
	if err := s.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

func (s *Stream) Close() error {
	return s.body.Close()
}
