package multiplexer

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pcutils/pcutils/pkg/messaging"
)

// repeat counts occurrences of one message inside its window.
type repeat struct {
	windowStart time.Time
	count       int
	suppressed  int
}

// Deduper suppresses bursts of identical messages. It is not safe for
// concurrent use.
type Deduper struct {
	cache        *lru.Cache[messaging.DedupKey, *repeat]
	window       time.Duration
	maxRepeats   int
	summaryEvery int
}

// NewDeduper creates a deduper remembering up to capacity keys.
func NewDeduper(capacity int, window time.Duration, maxRepeats, summaryEvery int) (*Deduper, error) {
	cache, err := lru.New[messaging.DedupKey, *repeat](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Deduper{
		cache:        cache,
		window:       window,
		maxRepeats:   maxRepeats,
		summaryEvery: summaryEvery,
	}, nil
}

// Exempt reports whether msg always reaches the timeline.
func Exempt(msg messaging.Message) bool {
	return msg.Kind == messaging.KindError || msg.Kind == messaging.KindEnd || msg.Kind.IsProgress()
}

// Filter decides what to deliver for msg: msg itself, nothing when it is
// suppressed, or a summary once every summaryEvery suppressions.
// suppressed is true when msg itself was dropped.
func (d *Deduper) Filter(msg messaging.Message) (deliver []messaging.Message, suppressed bool) {
	if Exempt(msg) {
		return []messaging.Message{msg}, false
	}

	key := msg.DedupKey()
	r, ok := d.cache.Get(key)
	if !ok || msg.Time.Sub(r.windowStart) > d.window {
		d.cache.Add(key, &repeat{windowStart: msg.Time, count: 1})
		return []messaging.Message{msg}, false
	}

	r.count++
	if r.count <= d.maxRepeats {
		return []messaging.Message{msg}, false
	}

	r.suppressed++
	if d.summaryEvery > 0 && r.suppressed%d.summaryEvery == 0 {
		summary := msg
		summary.Content = fmt.Sprintf("%s (répété %d fois)", msg.Content, r.suppressed)
		summary.Payload = nil
		return []messaging.Message{summary}, true
	}
	return nil, true
}

// Len returns the number of tracked keys.
func (d *Deduper) Len() int {
	return d.cache.Len()
}
