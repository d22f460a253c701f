package daemon

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
)

// Message severities carried over the IPC socket.
const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON envelope the daemon writes back for every
// non-streaming command: human-readable messages plus optional
// structured data (status reports, journal entries, version info).
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     interface{}       `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data interface{}) {
	r.Data = data
}

// AddError records err as an ERROR message when it is non-nil.
func (r *Response) AddError(err error) {
	if err != nil {
		r.AddMessage(err.Error(), StatusError)
	}
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

// HasErrors reports whether any message carries ERROR severity, so CLI
// commands can pick their exit code after logging.
func (r *Response) HasErrors() bool {
	for _, message := range r.Messages {
		if message.Status == StatusError {
			return true
		}
	}
	return false
}

// LogMessages replays the daemon's messages through the client's logger
// at their original severity.
func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusInfo:
			slog.Info(message.Message)
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}

// streamFrame is one line of a streaming reply: a progress message while
// the daemon is still working, or the final response.
type streamFrame struct {
	Progress *ResponseMessage `json:"progress,omitempty"`
	Final    *Response        `json:"final,omitempty"`
}

// StreamingResponse sends progress messages to the client as a command
// runs, one JSON frame per line, closed by a final Response frame. A
// client that went away marks the stream dead; the command keeps running
// server side.
type StreamingResponse struct {
	mu   sync.Mutex
	conn net.Conn
	dead bool
}

func NewStreamingResponse(conn net.Conn) *StreamingResponse {
	return &StreamingResponse{conn: conn}
}

// WriteMessage sends one progress frame.
func (sr *StreamingResponse) WriteMessage(message, status string) {
	sr.writeFrame(streamFrame{Progress: &ResponseMessage{Message: message, Status: status}})
}

// WriteFinal sends the closing frame.
func (sr *StreamingResponse) WriteFinal(response Response) {
	sr.writeFrame(streamFrame{Final: &response})
}

func (sr *StreamingResponse) writeFrame(frame streamFrame) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.dead {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if _, err := sr.conn.Write(append(data, '\n')); err != nil {
		sr.dead = true
	}
}
