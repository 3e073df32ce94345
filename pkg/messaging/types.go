// Package messaging defines the line-oriented protocol spoken by plugin
// processes on stdout/stderr and the typed records the host builds from it.
package messaging

import (
	"fmt"
	"strings"
	"time"
)

// Kind represents the classification of a message.
type Kind string

const (
	// KindInfo is general information
	KindInfo Kind = "info"
	// KindWarning is a non-fatal problem
	KindWarning Kind = "warning"
	// KindError is a failure reported by the plugin or the host
	KindError Kind = "error"
	// KindSuccess marks a successful action
	KindSuccess Kind = "success"
	// KindDebug is diagnostic output
	KindDebug Kind = "debug"
	// KindStart marks the beginning of an instance
	KindStart Kind = "start"
	// KindEnd marks the end of an instance
	KindEnd Kind = "end"
	// KindProgress carries fractional completion
	KindProgress Kind = "progress"
	// KindProgressText carries a labeled stage
	KindProgressText Kind = "progress_text"
	// KindUnknown is used when a level could not be recognized
	KindUnknown Kind = "unknown"
)

var allKinds = []Kind{
	KindInfo, KindWarning, KindError, KindSuccess, KindDebug,
	KindStart, KindEnd, KindProgress, KindProgressText, KindUnknown,
}

// Validate checks if the kind is one of the known kinds.
func (k Kind) Validate() error {
	for _, known := range allKinds {
		if k == known {
			return nil
		}
	}
	return fmt.Errorf("unknown message kind: %q", string(k))
}

// IsProgress reports whether the kind is consumed by the progress sink.
func (k Kind) IsProgress() bool {
	return k == KindProgress || k == KindProgressText
}

// Level returns the wire level for the kind.
func (k Kind) Level() string {
	if k == KindProgressText {
		return "progress-text"
	}
	return string(k)
}

// ParseKind maps a wire level to a Kind. The second result is false when
// the level is not recognized.
func ParseKind(level string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return KindInfo, true
	case "warning", "warn":
		return KindWarning, true
	case "error", "critical":
		return KindError, true
	case "success":
		return KindSuccess, true
	case "debug":
		return KindDebug, true
	case "start":
		return KindStart, true
	case "end":
		return KindEnd, true
	case "progress":
		return KindProgress, true
	case "progress-text", "progress_text":
		return KindProgressText, true
	}
	return KindUnknown, false
}

// Stream identifies which output stream of a child process produced a line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamHost   Stream = "host"
)

// ProgressStatus is the status of a progress-text record.
type ProgressStatus string

const (
	ProgressRunning ProgressStatus = "running"
	ProgressStop    ProgressStatus = "stop"
)

// StopPostText is appended to the stage label when a progress-text record stops.
const StopPostText = "terminée."

// ProgressText is the payload of a progress_text message.
type ProgressText struct {
	Status     ProgressStatus `json:"status"`
	PreText    string         `json:"pre_text,omitempty"`
	PostText   string         `json:"post_text,omitempty"`
	Percentage float64        `json:"percentage"`
}

// Label renders the stage label shown next to the progress bar.
func (p ProgressText) Label() string {
	return strings.TrimSpace(strings.TrimSpace(p.PreText) + " " + strings.TrimSpace(p.PostText))
}

// Message is a single typed record parsed from a plugin output line or
// emitted by the host on behalf of a plugin instance.
type Message struct {
	Kind    Kind           `json:"kind"`
	Content string         `json:"content"`
	Payload map[string]any `json:"payload,omitempty"`

	Source     string `json:"source,omitempty"`
	InstanceID int    `json:"instance_id,omitempty"`
	TargetIP   string `json:"target_ip,omitempty"`

	// Progress fields, set for KindProgress.
	Fraction   float64 `json:"fraction,omitempty"`
	Step       int     `json:"step,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty"`

	// Text is set for KindProgressText.
	Text *ProgressText `json:"text,omitempty"`

	Stream Stream    `json:"stream,omitempty"`
	Time   time.Time `json:"time"`

	// Failed is true when a JSON payload carried "success": false.
	Failed bool `json:"failed,omitempty"`
}

// StreamKey identifies the ordered stream a message belongs to.
type StreamKey struct {
	Source     string
	InstanceID int
}

// StreamKey returns the (source, instance) key of the message.
func (m Message) StreamKey() StreamKey {
	return StreamKey{Source: m.Source, InstanceID: m.InstanceID}
}

// DedupKey is the identity used to detect repeated messages.
type DedupKey struct {
	Kind       Kind
	Content    string
	Source     string
	InstanceID int
	TargetIP   string
}

// DedupKey returns the dedup identity of the message.
func (m Message) DedupKey() DedupKey {
	return DedupKey{
		Kind:       m.Kind,
		Content:    m.Content,
		Source:     m.Source,
		InstanceID: m.InstanceID,
		TargetIP:   m.TargetIP,
	}
}

// Tag fills source, instance and target when they are not already set.
func (m Message) Tag(source string, instanceID int, targetIP string) Message {
	if m.Source == "" {
		m.Source = source
	}
	if m.InstanceID == 0 {
		m.InstanceID = instanceID
	}
	if m.TargetIP == "" {
		m.TargetIP = targetIP
	}
	return m
}

// String renders the message for a plain-text timeline.
func (m Message) String() string {
	var b strings.Builder
	if m.TargetIP != "" {
		b.WriteString("[")
		b.WriteString(m.TargetIP)
		b.WriteString("] ")
	}
	switch m.Kind {
	case KindProgress:
		fmt.Fprintf(&b, "%d%%", int(m.Fraction*100+0.5))
		if m.TotalSteps > 0 {
			fmt.Fprintf(&b, " (%d/%d)", m.Step, m.TotalSteps)
		}
	case KindProgressText:
		if m.Text != nil {
			fmt.Fprintf(&b, "%s %d%%", m.Text.Label(), int(m.Text.Percentage+0.5))
		}
	default:
		b.WriteString(m.Content)
	}
	return b.String()
}

// New builds a host-side message for a plugin instance.
func New(kind Kind, source string, instanceID int, content string) Message {
	return Message{
		Kind:       kind,
		Content:    content,
		Source:     source,
		InstanceID: instanceID,
		Stream:     StreamHost,
		Time:       time.Now(),
	}
}

// Infof builds an info message.
func Infof(source string, instanceID int, format string, args ...any) Message {
	return New(KindInfo, source, instanceID, fmt.Sprintf(format, args...))
}

// Warnf builds a warning message.
func Warnf(source string, instanceID int, format string, args ...any) Message {
	return New(KindWarning, source, instanceID, fmt.Sprintf(format, args...))
}

// Errorf builds an error message.
func Errorf(source string, instanceID int, format string, args ...any) Message {
	return New(KindError, source, instanceID, fmt.Sprintf(format, args...))
}

// Successf builds a success message.
func Successf(source string, instanceID int, format string, args ...any) Message {
	return New(KindSuccess, source, instanceID, fmt.Sprintf(format, args...))
}
