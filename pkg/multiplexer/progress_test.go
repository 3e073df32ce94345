package multiplexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcutils/pcutils/pkg/messaging"
)

func progressMsg(fraction float64, step, total int) messaging.Message {
	return messaging.Message{
		Kind: messaging.KindProgress, Source: "backup", InstanceID: 1,
		Fraction: fraction, Step: step, TotalSteps: total, Stream: messaging.StreamStdout, Time: time.Now(),
	}
}

func textMsg(status messaging.ProgressStatus, pre string, pct float64) messaging.Message {
	return messaging.Message{
		Kind: messaging.KindProgressText, Source: "backup", InstanceID: 1,
		Text:   &messaging.ProgressText{Status: status, PreText: pre, Percentage: pct},
		Stream: messaging.StreamStdout, Time: time.Now(),
	}
}

func TestTrackerStepAndStop(t *testing.T) {
	tr := NewTracker()
	tr.Observe(messaging.New(messaging.KindStart, "backup", 1, "Backup"))

	assert.True(t, tr.Observe(progressMsg(0.5, 1, 2)))
	st, ok := tr.Get("backup", 1)
	require.True(t, ok)
	assert.Equal(t, 50, st.Percent())
	assert.Equal(t, "Étape 1/2", st.StepLabel)
	assert.Equal(t, StatusRunning, st.Status)

	tr.Observe(textMsg(messaging.ProgressStop, "Backup", 0))
	st, _ = tr.Get("backup", 1)
	assert.Equal(t, 100, st.Percent())
	assert.Equal(t, "Backup terminée.", st.Label)
}

func TestTrackerMonotonic(t *testing.T) {
	tr := NewTracker()
	var seen []float64
	for _, m := range []messaging.Message{
		progressMsg(0.2, 0, 0),
		progressMsg(0.6, 0, 0),
		progressMsg(0.4, 0, 0),
		textMsg(messaging.ProgressRunning, "Copie", 30),
		textMsg(messaging.ProgressRunning, "Copie", 80),
		progressMsg(1.7, 0, 0),
	} {
		tr.Observe(m)
		st, _ := tr.Get("backup", 1)
		seen = append(seen, st.Fraction)
	}
	assert.Equal(t, []float64{0.2, 0.6, 0.6, 0.6, 0.8, 1}, seen)

	st, _ := tr.Get("backup", 1)
	assert.Equal(t, "Copie", st.Label)
}

func TestTrackerOutcome(t *testing.T) {
	tr := NewTracker()
	tr.Observe(messaging.New(messaging.KindStart, "a", 1, "A"))
	tr.Observe(messaging.New(messaging.KindStart, "b", 1, "B"))

	// Per-host errors do not decide the instance outcome.
	hostErr := messaging.New(messaging.KindError, "a", 1, "10.0.0.1 down").Tag("", 0, "10.0.0.1")
	assert.False(t, tr.Observe(hostErr))
	// Plugin output errors neither.
	assert.False(t, tr.Observe(messaging.Message{Kind: messaging.KindError, Source: "a", InstanceID: 1, Stream: messaging.StreamStdout}))

	tr.Observe(messaging.New(messaging.KindSuccess, "a", 1, "ok"))
	tr.Observe(messaging.New(messaging.KindEnd, "a", 1, "A"))
	tr.Observe(messaging.New(messaging.KindError, "b", 1, "failed"))
	tr.Observe(messaging.New(messaging.KindEnd, "b", 1, "B"))

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Source)
	assert.Equal(t, StatusSuccess, snap[0].Status)
	assert.Equal(t, 1.0, snap[0].Fraction)
	assert.Equal(t, StatusError, snap[1].Status)
	assert.Equal(t, 0.0, snap[1].Fraction)
}

func TestTrackerIgnoresTimelineKinds(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.Observe(messaging.New(messaging.KindInfo, "a", 1, "hello")))
	assert.Empty(t, tr.Snapshot())
}

func TestTrackerRestart(t *testing.T) {
	tr := NewTracker()
	tr.Observe(messaging.New(messaging.KindStart, "backup", 1, "Backup"))
	tr.Observe(progressMsg(1, 0, 0))
	tr.Observe(messaging.New(messaging.KindEnd, "backup", 1, "Backup"))

	tr.Observe(messaging.New(messaging.KindStart, "backup", 1, "Backup"))
	st, _ := tr.Get("backup", 1)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Zero(t, st.Fraction)
}
