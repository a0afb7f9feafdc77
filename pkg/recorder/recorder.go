// Package recorder appends {request, response} JSON line pairs to the
// configured record_traffic_path, for offline debugging of what the proxy
// actually forwarded.
package recorder

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"
)

// Entry is one recorded request/response pair.
type Entry struct {
	Time     time.Time   `json:"time"`
	Method   string      `json:"method"`
	Path     string      `json:"path"`
	Status   int         `json:"status"`
	ReqBody  string      `json:"request_body,omitempty"`
	RespBody string      `json:"response_body,omitempty"`
	Headers  http.Header `json:"response_headers,omitempty"`
}

// Recorder appends Entry values as JSON lines to a single file, serializing
// writes so concurrent requests don't interleave partial lines.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
}

// Open appends to (creating if needed) the file at path. A nil *Recorder is
// a valid no-op recorder: Open returns nil, nil when path is empty, so
// callers can always call Record without a nil check on the configuration
// branch.
func Open(path string) (*Recorder, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f}, nil
}

// Record appends entry as one JSON line. A nil receiver is a no-op so
// callers can hold an optional *Recorder without branching at each call
// site.
func (r *Recorder) Record(entry Entry) {
	if r == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.Write(line)
}

// Close releases the underlying file. A nil receiver is a no-op.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.file.Close()
}
