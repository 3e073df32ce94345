package messaging

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{"Traceback (most recent call last):", KindError},
		{"Erreur lors de la copie", KindError},
		{"installation failed", KindError},
		{"Installation terminée", KindSuccess},
		{"SUCCESS: all good", KindSuccess},
		{"Attention: disque presque plein", KindWarning},
		{"warning: deprecated option", KindWarning},
		{"copying files", KindInfo},
		{"", KindInfo},
		{"success but with error", KindError},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.line))
		})
	}
}

func TestParseLineJSON(t *testing.T) {
	msg := ParseLine(`{"level":"warning","message":"disk low","plugin_name":"backup","instance_id":2}`)

	assert.Equal(t, KindWarning, msg.Kind)
	assert.Equal(t, "disk low", msg.Content)
	assert.Equal(t, "backup", msg.Source)
	assert.Equal(t, 2, msg.InstanceID)
	assert.Equal(t, StreamStdout, msg.Stream)
	assert.False(t, msg.Time.IsZero())
}

func TestParseLineProgress(t *testing.T) {
	msg := ParseLine(`{"level":"progress","message":{"data":{"percentage":50,"current_step":1,"total_steps":2}}}`)

	require.Equal(t, KindProgress, msg.Kind)
	assert.InDelta(t, 0.5, msg.Fraction, 1e-9)
	assert.Equal(t, 1, msg.Step)
	assert.Equal(t, 2, msg.TotalSteps)
}

func TestParseLineProgressClamped(t *testing.T) {
	msg := ParseLine(`{"level":"progress","message":{"data":{"percentage":140}}}`)
	assert.InDelta(t, 1.0, msg.Fraction, 1e-9)

	msg = ParseLine(`{"level":"progress","message":{"data":{"percentage":-3}}}`)
	assert.InDelta(t, 0.0, msg.Fraction, 1e-9)
}

func TestParseLineProgressTextStop(t *testing.T) {
	msg := ParseLine(`{"level":"progress-text","message":{"data":{"status":"stop","pre_text":"Backup"}}}`)

	require.Equal(t, KindProgressText, msg.Kind)
	require.NotNil(t, msg.Text)
	assert.Equal(t, ProgressStop, msg.Text.Status)
	assert.Equal(t, float64(100), msg.Text.Percentage)
	assert.Equal(t, "Backup terminée.", msg.Text.Label())
}

func TestParseLineProgressTextRunning(t *testing.T) {
	msg := ParseLine(`{"level":"progress_text","message":{"data":{"status":"running","pre_text":"Copie","post_text":"en cours","percentage":30}}}`)

	require.NotNil(t, msg.Text)
	assert.Equal(t, ProgressRunning, msg.Text.Status)
	assert.Equal(t, float64(30), msg.Text.Percentage)
	assert.Equal(t, "Copie en cours", msg.Content)
}

func TestParseLineFreeText(t *testing.T) {
	msg := ParseLine("Exécution terminée avec succès")
	assert.Equal(t, KindSuccess, msg.Kind)
	assert.Equal(t, "Exécution terminée avec succès", msg.Content)
}

func TestParseLineInvalidJSONFallsBack(t *testing.T) {
	msg := ParseLine(`{"level": "info", broken`)
	assert.Equal(t, KindInfo, msg.Kind)
	assert.Equal(t, `{"level": "info", broken`, msg.Content)
}

func TestParseLineUnknownLevel(t *testing.T) {
	msg := ParseLine(`{"level":"trace","message":"x"}`)
	assert.Equal(t, KindUnknown, msg.Kind)
}

func TestParseLineSuccessFalse(t *testing.T) {
	msg := ParseLine(`{"success": false, "error": "no such user"}`)
	assert.True(t, msg.Failed)
	assert.Contains(t, msg.Content, "no such user")
}

func TestParseLineLegacyFormats(t *testing.T) {
	msg := ParseLine("[PROGRESS] 75 3 4")
	require.Equal(t, KindProgress, msg.Kind)
	assert.InDelta(t, 0.75, msg.Fraction, 1e-9)
	assert.Equal(t, 3, msg.Step)
	assert.Equal(t, 4, msg.TotalSteps)

	msg = ParseLine("[LOG] [WARNING] quota")
	assert.Equal(t, KindWarning, msg.Kind)
	assert.Equal(t, "quota", msg.Content)
}

func TestParseStderrLine(t *testing.T) {
	msg := ParseStderrLine("just some noise")
	assert.Equal(t, KindError, msg.Kind)
	assert.Equal(t, StreamStderr, msg.Stream)

	msg = ParseStderrLine(`{"level":"info","message":"python logging goes to stderr"}`)
	assert.Equal(t, KindInfo, msg.Kind)
}

func TestMessageTag(t *testing.T) {
	msg := ParseLine("hello").Tag("backup", 3, "10.0.0.5")
	assert.Equal(t, "backup", msg.Source)
	assert.Equal(t, 3, msg.InstanceID)
	assert.Equal(t, "10.0.0.5", msg.TargetIP)

	msg = ParseLine(`{"level":"info","message":"x","plugin_name":"other","instance_id":7}`).Tag("backup", 3, "")
	assert.Equal(t, "other", msg.Source)
	assert.Equal(t, 7, msg.InstanceID)
}

func TestEncoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(Infof("backup", 1, "step %d", 1)))
	require.NoError(t, enc.Encode(Message{Kind: KindProgress, Fraction: 0.25, Step: 1, TotalSteps: 4}))
	require.NoError(t, enc.Encode(Message{Kind: KindProgressText, Text: &ProgressText{Status: ProgressStop, PreText: "Copie"}}))
	assert.Error(t, enc.Encode(Message{Kind: Kind("bogus")}))

	dec := NewDecoder(strings.NewReader(buf.String()))

	msg, _, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindInfo, msg.Kind)
	assert.Equal(t, "step 1", msg.Content)
	assert.Equal(t, "backup", msg.Source)

	msg, _, err = dec.Decode()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, msg.Fraction, 1e-9)

	msg, _, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "Copie terminée.", msg.Content)

	_, _, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	dec := NewStderrDecoder(strings.NewReader("\n\n  \noops\n"))
	msg, raw, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "oops", raw)
	assert.Equal(t, KindError, msg.Kind)
}
