// Package stage defines the pipeline stage contract and the
// length-prefixed JSON wire protocol used between the runner (§4.E) and
// the isolated cmd/stageworker child process that actually executes each
// pipeline stage. Running stages as real OS processes, rather than
// goroutines, bounds a misbehaving stage's memory and lets the runner
// enforce a hard per-stage watchdog via SIGTERM/SIGKILL.
package stage

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame to guard against a corrupt or
// hostile peer claiming an enormous length prefix.
const maxFrameBytes = 64 << 20 // 64 MiB

// Request is sent from the runner to a stageworker process on stdin.
type Request struct {
	Stage string         `json:"stage"`
	JobID string         `json:"job_id"`
	Input map[string]any `json:"input"`
}

// Response is sent from a stageworker process to the runner on stdout.
type Response struct {
	OK    bool           `json:"ok"`
	Value map[string]any `json:"value,omitempty"`
	Error string         `json:"error,omitempty"`
	Trace string         `json:"error_trace,omitempty"`
}

// WriteFrame marshals v to JSON and writes it as a 4-byte big-endian
// length prefix followed by the payload.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r into v.
func ReadFrame(r io.Reader, v any) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		return fmt.Errorf("reading frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshaling frame: %w", err)
	}
	return nil
}
