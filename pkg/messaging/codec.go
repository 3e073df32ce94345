package messaging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// wireRecord is the on-the-wire form of a plugin protocol line.
type wireRecord struct {
	Level      string `json:"level"`
	Message    any    `json:"message"`
	PluginName string `json:"plugin_name,omitempty"`
	InstanceID int    `json:"instance_id,omitempty"`
	TargetIP   string `json:"target_ip,omitempty"`
}

// Encoder writes messages as protocol lines to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message as a single JSON line.
func (e *Encoder) Encode(msg Message) error {
	if err := msg.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid message kind: %w", err)
	}

	rec := wireRecord{
		Level:      msg.Kind.Level(),
		Message:    msg.Content,
		PluginName: msg.Source,
		InstanceID: msg.InstanceID,
		TargetIP:   msg.TargetIP,
	}
	switch msg.Kind {
	case KindProgress:
		rec.Message = map[string]any{"data": map[string]any{
			"percentage":   msg.Fraction * 100,
			"current_step": msg.Step,
			"total_steps":  msg.TotalSteps,
		}}
	case KindProgressText:
		if msg.Text != nil {
			rec.Message = map[string]any{"data": msg.Text}
		}
	default:
		if msg.Payload != nil {
			rec.Message = msg.Payload
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads protocol lines from an io.Reader.
type Decoder struct {
	r      *bufio.Scanner
	stream Stream
}

// NewDecoder creates a decoder for a child's stdout.
func NewDecoder(r io.Reader) *Decoder {
	return newDecoder(r, StreamStdout)
}

// NewStderrDecoder creates a decoder for a child's stderr.
func NewStderrDecoder(r io.Reader) *Decoder {
	return newDecoder(r, StreamStderr)
}

func newDecoder(r io.Reader, stream Stream) *Decoder {
	scanner := bufio.NewScanner(r)
	// Plugins may dump large JSON documents on a single line
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r:      scanner,
		stream: stream,
	}
}

// Decode reads the next non-empty line and parses it. It returns io.EOF
// when the stream is exhausted.
func (d *Decoder) Decode() (Message, string, error) {
	for d.r.Scan() {
		line := d.r.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		return parse(line, d.stream), line, nil
	}
	if err := d.r.Err(); err != nil {
		return Message{}, "", fmt.Errorf("scan error: %w", err)
	}
	return Message{}, "", io.EOF
}
