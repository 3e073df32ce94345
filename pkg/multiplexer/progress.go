package multiplexer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pcutils/pcutils/pkg/messaging"
)

// Status is the state shown by an instance's progress widget.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// InstanceProgress is the progress widget state of one plugin instance.
type InstanceProgress struct {
	Source     string `json:"source"`
	InstanceID int    `json:"instance_id"`
	Status     Status `json:"status"`
	// Fraction is in [0, 1] and never decreases while the instance runs.
	Fraction   float64 `json:"fraction"`
	Step       int     `json:"step,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty"`
	// StepLabel reads "Étape x/y" once a step count is known.
	StepLabel string `json:"step_label,omitempty"`
	// Label is the current stage label.
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Percent returns the rounded completion percentage.
func (p InstanceProgress) Percent() int {
	return int(p.Fraction*100 + 0.5)
}

// Tracker folds progress, progress_text, start and end messages into
// per-instance widget state.
type Tracker struct {
	mu     sync.Mutex
	states map[messaging.StreamKey]*InstanceProgress
	order  []messaging.StreamKey
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[messaging.StreamKey]*InstanceProgress)}
}

// Relevant reports whether msg changes widget state.
func Relevant(msg messaging.Message) bool {
	switch msg.Kind {
	case messaging.KindProgress, messaging.KindProgressText, messaging.KindStart, messaging.KindEnd:
		return true
	case messaging.KindSuccess, messaging.KindError:
		return isOutcome(msg)
	}
	return false
}

// isOutcome matches the final success or error notice an executor emits
// for the whole instance right before its end marker.
func isOutcome(msg messaging.Message) bool {
	return msg.Stream == messaging.StreamHost && msg.TargetIP == ""
}

// Observe applies msg and reports whether the state changed.
func (t *Tracker) Observe(msg messaging.Message) bool {
	if !Relevant(msg) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := msg.StreamKey()
	st, ok := t.states[key]
	if !ok {
		st = &InstanceProgress{Source: key.Source, InstanceID: key.InstanceID, Status: StatusPending}
		t.states[key] = st
		t.order = append(t.order, key)
	}
	before := *st

	switch msg.Kind {
	case messaging.KindStart:
		// A restarted instance starts over.
		if st.Status != StatusRunning {
			*st = InstanceProgress{Source: key.Source, InstanceID: key.InstanceID}
		}
		st.Status = StatusRunning
		if st.Label == "" {
			st.Label = msg.Content
		}

	case messaging.KindProgress:
		st.advance(msg.Fraction)
		if msg.TotalSteps > 0 {
			st.Step, st.TotalSteps = msg.Step, msg.TotalSteps
			st.StepLabel = fmt.Sprintf("Étape %d/%d", msg.Step, msg.TotalSteps)
		}

	case messaging.KindProgressText:
		if msg.Text == nil {
			break
		}
		if msg.Text.Status == messaging.ProgressStop {
			st.Fraction = 1
			st.Label = strings.TrimSpace(strings.TrimSpace(msg.Text.PreText) + " " + messaging.StopPostText)
			break
		}
		st.advance(msg.Text.Percentage / 100)
		if label := msg.Text.Label(); label != "" {
			st.Label = label
		}

	case messaging.KindSuccess:
		st.Status = StatusSuccess
		st.Fraction = 1

	case messaging.KindError:
		st.Status = StatusError

	case messaging.KindEnd:
		if st.Status == StatusRunning || st.Status == StatusPending {
			st.Status = StatusSuccess
			st.Fraction = 1
		}
	}

	st.UpdatedAt = msg.Time
	after := *st
	after.UpdatedAt = before.UpdatedAt
	return after != before
}

// advance moves the fraction forward only.
func (p *InstanceProgress) advance(f float64) {
	switch {
	case f < 0:
		f = 0
	case f > 1:
		f = 1
	}
	if f > p.Fraction {
		p.Fraction = f
	}
}

// Get returns the state of one instance.
func (t *Tracker) Get(source string, instanceID int) (InstanceProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[messaging.StreamKey{Source: source, InstanceID: instanceID}]
	if !ok {
		return InstanceProgress{}, false
	}
	return *st, true
}

// Snapshot returns every instance state in first-seen order.
func (t *Tracker) Snapshot() []InstanceProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]InstanceProgress, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.states[k])
	}
	return out
}

// Select returns the states of keys that are known.
func (t *Tracker) Select(keys []messaging.StreamKey) []InstanceProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]InstanceProgress, 0, len(keys))
	for _, k := range keys {
		if st, ok := t.states[k]; ok {
			out = append(out, *st)
		}
	}
	return out
}
