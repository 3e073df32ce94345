// Package multiplexer merges messages from concurrent executors into one
// timeline and per-instance progress widgets.
//
// Publish may be called from any goroutine. Timeline and progress views
// are only called from the goroutine running Run (or from Flush), so they
// need no locking of their own.
package multiplexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pcutils/pcutils/pkg/messaging"
	"github.com/pcutils/pcutils/pkg/telemetry"
)

// Config tunes batching and deduplication.
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	RefreshInterval time.Duration
	DedupCapacity   int
	DedupWindow     time.Duration
	// MaxRepeats identical messages per window reach the timeline.
	MaxRepeats int
	// SummaryEvery suppressed messages produce one summary entry.
	SummaryEvery int
	// MaxPending bounds the queue while the timeline is inactive. Beyond
	// it the oldest ordinary messages are dropped; errors and end markers
	// are kept.
	MaxPending int
}

// DefaultConfig returns the default multiplexer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		FlushInterval:   100 * time.Millisecond,
		RefreshInterval: 50 * time.Millisecond,
		DedupCapacity:   200,
		DedupWindow:     time.Second,
		MaxRepeats:      2,
		SummaryEvery:    20,
		MaxPending:      5000,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = d.DedupCapacity
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.MaxRepeats <= 0 {
		c.MaxRepeats = d.MaxRepeats
	}
	if c.SummaryEvery <= 0 {
		c.SummaryEvery = d.SummaryEvery
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
}

// Timeline is the append-only message view.
type Timeline interface {
	Append(batch []messaging.Message)
}

// ProgressView shows per-instance progress widgets.
type ProgressView interface {
	Update(states []InstanceProgress)
}

// TimelineFunc adapts a function to Timeline.
type TimelineFunc func([]messaging.Message)

// Append calls f(batch).
func (f TimelineFunc) Append(batch []messaging.Message) { f(batch) }

// queued is a pending message with its arrival number.
type queued struct {
	seq uint64
	msg messaging.Message
}

// Multiplexer implements messaging.Sink.
type Multiplexer struct {
	cfg      Config
	timeline Timeline
	view     ProgressView
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	tracker  *Tracker
	kick     chan struct{}

	mu       sync.Mutex
	seq      uint64
	normal   []queued
	priority []queued
	dropped  int
	active   bool
	dedup    *Deduper
	dirty    map[messaging.StreamKey]bool
	dirtyOrd []messaging.StreamKey

	// flushMu serializes deliveries to the views.
	flushMu sync.Mutex
}

// Options wires the multiplexer to its views. Nil views discard.
type Options struct {
	Timeline Timeline
	Progress ProgressView
	Metrics  *telemetry.Metrics
	Logger   zerolog.Logger
}

// New creates a multiplexer. It starts active.
func New(cfg Config, opts Options) (*Multiplexer, error) {
	cfg.applyDefaults()
	dedup, err := NewDeduper(cfg.DedupCapacity, cfg.DedupWindow, cfg.MaxRepeats, cfg.SummaryEvery)
	if err != nil {
		return nil, err
	}
	if opts.Timeline == nil {
		opts.Timeline = TimelineFunc(func([]messaging.Message) {})
	}
	return &Multiplexer{
		cfg:      cfg,
		timeline: opts.Timeline,
		view:     opts.Progress,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("component", "multiplexer").Logger(),
		tracker:  NewTracker(),
		kick:     make(chan struct{}, 1),
		active:   true,
		dedup:    dedup,
		dirty:    make(map[messaging.StreamKey]bool),
	}, nil
}

// Tracker returns the progress tracker.
func (m *Multiplexer) Tracker() *Tracker { return m.tracker }

// Publish accepts a message from any goroutine.
func (m *Multiplexer) Publish(msg messaging.Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	m.metrics.RecordMessage(string(msg.Kind))

	changed := m.tracker.Observe(msg)

	m.mu.Lock()
	if changed {
		key := msg.StreamKey()
		if !m.dirty[key] {
			m.dirty[key] = true
			m.dirtyOrd = append(m.dirtyOrd, key)
		}
	}
	if msg.Kind.IsProgress() {
		m.mu.Unlock()
		return
	}

	deliver, suppressed := m.dedup.Filter(msg)
	for _, d := range deliver {
		m.enqueue(d)
	}
	full := m.active && m.pendingLocked() >= m.cfg.BatchSize
	m.mu.Unlock()

	if suppressed {
		m.metrics.RecordSuppressed()
	}
	if full {
		m.signal()
	}
}

func (m *Multiplexer) enqueue(msg messaging.Message) {
	m.seq++
	q := queued{seq: m.seq, msg: msg}
	if msg.Kind == messaging.KindError || msg.Kind == messaging.KindEnd {
		m.priority = append(m.priority, q)
	} else {
		m.normal = append(m.normal, q)
	}

	for m.pendingLocked() > m.cfg.MaxPending && len(m.normal) > 0 {
		m.normal = m.normal[1:]
		m.dropped++
	}
}

func (m *Multiplexer) pendingLocked() int {
	return len(m.normal) + len(m.priority)
}

// Pending returns the number of queued timeline messages.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

func (m *Multiplexer) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// SetActive switches delivery on or off. While inactive messages
// accumulate; reactivation flushes them.
func (m *Multiplexer) SetActive(active bool) {
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
	if active {
		m.signal()
	}
}

// takeBatch removes up to n messages in arrival order. The priority
// queue only affects what survives an overflow, never delivery order.
func (m *Multiplexer) takeBatch(n int) []messaging.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var batch []messaging.Message
	if m.dropped > 0 {
		m.logger.Warn().Int("dropped", m.dropped).Msg("Timeline queue overflowed")
		batch = append(batch, messaging.Message{
			Kind:    messaging.KindWarning,
			Content: fmt.Sprintf("%d messages ignorés (file d'attente saturée)", m.dropped),
			Source:  "pcutils",
			Stream:  messaging.StreamHost,
			Time:    time.Now(),
		})
		m.dropped = 0
	}
	for len(batch) < n && m.pendingLocked() > 0 {
		if len(m.priority) == 0 || (len(m.normal) > 0 && m.normal[0].seq < m.priority[0].seq) {
			batch = append(batch, m.normal[0].msg)
			m.normal = m.normal[1:]
		} else {
			batch = append(batch, m.priority[0].msg)
			m.priority = m.priority[1:]
		}
	}
	return batch
}

// flush delivers batches until the queue is empty. Inactive
// multiplexers keep their queue unless force is set.
func (m *Multiplexer) flush(force bool) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if !active && !force {
		return
	}

	for {
		batch := m.takeBatch(m.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		m.timeline.Append(batch)
	}
}

// refresh pushes changed progress states to the view.
func (m *Multiplexer) refresh() {
	m.mu.Lock()
	keys := m.dirtyOrd
	m.dirty = make(map[messaging.StreamKey]bool)
	m.dirtyOrd = nil
	m.mu.Unlock()

	if len(keys) == 0 || m.view == nil {
		return
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.view.Update(m.tracker.Select(keys))
}

// Flush synchronously delivers everything pending, regardless of the
// active flag, and refreshes progress.
func (m *Multiplexer) Flush() {
	m.flush(true)
	m.refresh()
}

// Run delivers batches every FlushInterval, or sooner once a batch is
// full, and refreshes progress at most every RefreshInterval. It flushes
// what is left when ctx is done.
func (m *Multiplexer) Run(ctx context.Context) {
	flushTicker := time.NewTicker(m.cfg.FlushInterval)
	defer flushTicker.Stop()
	refreshTicker := time.NewTicker(m.cfg.RefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Flush()
			return
		case <-flushTicker.C:
			m.flush(false)
		case <-m.kick:
			m.flush(false)
		case <-refreshTicker.C:
			m.refresh()
		}
	}
}
