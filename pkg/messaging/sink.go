package messaging

import "sync"

// Sink receives messages from executors. Implementations must be safe
// for concurrent use.
type Sink interface {
	Publish(msg Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message)

// Publish calls f(msg).
func (f SinkFunc) Publish(msg Message) { f(msg) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(Message) {})

// Recorder keeps every published message in arrival order.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

// Publish appends msg.
func (r *Recorder) Publish(msg Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// OfKind returns the recorded messages of kind k.
func (r *Recorder) OfKind(k Kind) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}
