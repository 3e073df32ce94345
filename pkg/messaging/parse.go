package messaging

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	errorTerms   = []string{"error", "erreur", "failed", "traceback", "exception"}
	successTerms = []string{"success", "succès", "terminé"}
	warningTerms = []string{"warning", "attention"}

	legacyProgress = regexp.MustCompile(`^\[PROGRESS\] (\d+) (\d+) (\d+)$`)
	legacyLog      = regexp.MustCompile(`^\[LOG\] \[(\w+)\] (.+)$`)
)

// Classify returns the kind of a free-text line using keyword heuristics.
// Error terms win over success terms, which win over warning terms.
func Classify(text string) Kind {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, errorTerms):
		return KindError
	case containsAny(lower, successTerms):
		return KindSuccess
	case containsAny(lower, warningTerms):
		return KindWarning
	}
	return KindInfo
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// ParseLine parses one line of plugin stdout. JSON objects are decoded
// according to the plugin protocol; anything else is classified as free text.
func ParseLine(line string) Message {
	return parse(line, StreamStdout)
}

// ParseStderrLine parses one line of plugin stderr. Lines that are not
// JSON objects are always classified as errors.
func ParseStderrLine(line string) Message {
	return parse(line, StreamStderr)
}

func parse(line string, stream Stream) Message {
	trimmed := strings.TrimSpace(strings.TrimRight(line, "\r\n"))
	now := time.Now()

	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			msg := FromObject(obj)
			msg.Stream = stream
			msg.Time = now
			return msg
		}
	}

	msg := parseLegacy(trimmed)
	if msg == nil {
		msg = &Message{Kind: Classify(trimmed), Content: trimmed}
	}
	if stream == StreamStderr {
		msg.Kind = KindError
	}
	msg.Stream = stream
	msg.Time = now
	return *msg
}

// parseLegacy recognizes the bracketed "[PROGRESS] pct step total" and
// "[LOG] [LEVEL] text" formats emitted by older plugins.
func parseLegacy(line string) *Message {
	if m := legacyProgress.FindStringSubmatch(line); m != nil {
		pct, _ := strconv.Atoi(m[1])
		step, _ := strconv.Atoi(m[2])
		total, _ := strconv.Atoi(m[3])
		return &Message{
			Kind:       KindProgress,
			Content:    fmt.Sprintf("Progression: %d%%", pct),
			Fraction:   clampFraction(float64(pct) / 100),
			Step:       step,
			TotalSteps: total,
		}
	}
	if m := legacyLog.FindStringSubmatch(line); m != nil {
		kind, ok := ParseKind(m[1])
		if !ok || kind.IsProgress() {
			kind = KindInfo
		}
		return &Message{Kind: kind, Content: m[2]}
	}
	return nil
}

// FromObject builds a message from a decoded JSON protocol object.
func FromObject(obj map[string]any) Message {
	msg := Message{Kind: KindInfo}

	if level, ok := obj["level"].(string); ok {
		if kind, known := ParseKind(level); known {
			msg.Kind = kind
		} else {
			msg.Kind = KindUnknown
		}
	}
	if name, ok := obj["plugin_name"].(string); ok {
		msg.Source = name
	}
	msg.InstanceID = intValue(obj["instance_id"])
	if ip, ok := obj["target_ip"].(string); ok {
		msg.TargetIP = ip
	}
	if success, ok := obj["success"].(bool); ok && !success {
		msg.Failed = true
	}

	switch content := obj["message"].(type) {
	case string:
		msg.Content = content
	case map[string]any:
		msg.Payload = content
		msg.Content = contentText(content)
	case nil:
		if _, hasLevel := obj["level"]; !hasLevel {
			// Plain JSON result objects are kept whole.
			msg.Payload = obj
			raw, _ := json.Marshal(obj)
			msg.Content = string(raw)
		}
	default:
		msg.Content = fmt.Sprint(content)
	}

	switch msg.Kind {
	case KindProgress:
		data := progressData(msg.Payload)
		msg.Fraction = clampFraction(floatValue(data["percentage"]) / 100)
		msg.Step = intValue(data["current_step"])
		msg.TotalSteps = intValue(data["total_steps"])
		if msg.Content == "" {
			msg.Content = fmt.Sprintf("%d%%", int(msg.Fraction*100+0.5))
		}
	case KindProgressText:
		data := progressData(msg.Payload)
		text := &ProgressText{
			Status:     ProgressStatus(stringValue(data["status"])),
			PreText:    stringValue(data["pre_text"]),
			PostText:   stringValue(data["post_text"]),
			Percentage: clampPercent(floatValue(data["percentage"])),
		}
		if text.Status == "" {
			text.Status = ProgressRunning
		}
		if text.Status == ProgressStop {
			text.Percentage = 100
			if text.PostText == "" {
				text.PostText = StopPostText
			}
		}
		msg.Text = text
		msg.Content = text.Label()
	case KindError:
		if msg.Content == "" {
			msg.Content = "error"
		}
	}

	return msg
}

func progressData(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	if data, ok := payload["data"].(map[string]any); ok {
		return data
	}
	return payload
}

func contentText(content map[string]any) string {
	for _, key := range []string{"text", "message", "content"} {
		if s, ok := content[key].(string); ok {
			return s
		}
	}
	if data, ok := content["data"].(map[string]any); ok {
		for _, key := range []string{"text", "message"} {
			if s, ok := data[key].(string); ok {
				return s
			}
		}
	}
	return ""
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func clampPercent(p float64) float64 {
	return clampFraction(p/100) * 100
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err == nil {
			return i
		}
	}
	return 0
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
