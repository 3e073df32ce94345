package multiplexer

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/pcutils/pcutils/pkg/messaging"
)

// ConsoleTimeline writes timeline entries as colored lines.
type ConsoleTimeline struct {
	w       io.Writer
	verbose bool

	red, yellow, green, cyan, faint *color.Color
}

// NewConsoleTimeline creates a terminal timeline. Debug messages are only
// shown when verbose is set.
func NewConsoleTimeline(w io.Writer, verbose bool) *ConsoleTimeline {
	return &ConsoleTimeline{
		w:       w,
		verbose: verbose,
		red:     color.New(color.FgRed),
		yellow:  color.New(color.FgYellow),
		green:   color.New(color.FgGreen),
		cyan:    color.New(color.FgCyan, color.Bold),
		faint:   color.New(color.Faint),
	}
}

// Append implements Timeline.
func (t *ConsoleTimeline) Append(batch []messaging.Message) {
	for _, msg := range batch {
		if msg.Kind == messaging.KindDebug && !t.verbose {
			continue
		}
		fmt.Fprintln(t.w, t.Format(msg))
	}
}

// Format renders one timeline line.
func (t *ConsoleTimeline) Format(msg messaging.Message) string {
	var b strings.Builder
	b.WriteString(t.faint.Sprint(msg.Time.Format("15:04:05")))
	b.WriteString(" ")
	if msg.Source != "" {
		src := msg.Source
		if msg.InstanceID > 0 {
			src = fmt.Sprintf("%s#%d", msg.Source, msg.InstanceID)
		}
		b.WriteString(t.faint.Sprintf("[%s]", src))
		b.WriteString(" ")
	}

	text := msg.String()
	switch msg.Kind {
	case messaging.KindError:
		b.WriteString(t.red.Sprint("✗ " + text))
	case messaging.KindWarning:
		b.WriteString(t.yellow.Sprint("! " + text))
	case messaging.KindSuccess:
		b.WriteString(t.green.Sprint("✓ " + text))
	case messaging.KindStart:
		b.WriteString(t.cyan.Sprint("▶ " + text))
	case messaging.KindEnd:
		b.WriteString(t.cyan.Sprint("■ " + text))
	case messaging.KindDebug:
		b.WriteString(t.faint.Sprint(text))
	default:
		b.WriteString(text)
	}
	return b.String()
}

// ConsoleProgress prints a progress line whenever an instance's status,
// label or step changes, or its percentage moves by at least Step points.
type ConsoleProgress struct {
	w    io.Writer
	Step int

	mu   sync.Mutex
	last map[messaging.StreamKey]InstanceProgress
}

// NewConsoleProgress creates a line-oriented progress view.
func NewConsoleProgress(w io.Writer) *ConsoleProgress {
	return &ConsoleProgress{w: w, Step: 10, last: make(map[messaging.StreamKey]InstanceProgress)}
}

// Update implements ProgressView.
func (p *ConsoleProgress) Update(states []InstanceProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range states {
		key := messaging.StreamKey{Source: st.Source, InstanceID: st.InstanceID}
		prev, seen := p.last[key]
		if seen && !p.significant(prev, st) {
			continue
		}
		p.last[key] = st
		fmt.Fprintln(p.w, RenderProgress(st))
	}
}

func (p *ConsoleProgress) significant(prev, cur InstanceProgress) bool {
	if prev.Status != cur.Status || prev.Label != cur.Label || prev.StepLabel != cur.StepLabel {
		return true
	}
	return cur.Percent()-prev.Percent() >= p.Step || (cur.Percent() == 100 && prev.Percent() != 100)
}

// RenderProgress renders a text progress bar for st.
func RenderProgress(st InstanceProgress) string {
	const width = 20
	filled := int(st.Fraction*width + 0.5)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	line := fmt.Sprintf("%s#%d %s %3d%%", st.Source, st.InstanceID, bar, st.Percent())
	if st.StepLabel != "" {
		line += " " + st.StepLabel
	}
	if st.Label != "" {
		line += " " + st.Label
	}
	switch st.Status {
	case StatusSuccess:
		line = color.GreenString("%s", line)
	case StatusError:
		line = color.RedString("%s", line)
	}
	return line
}
