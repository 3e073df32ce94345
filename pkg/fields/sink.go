package fields

import "github.com/pcutils/pcutils/pkg/manifest"

// Sink receives presentation updates for the fields of a container. A
// terminal form, a test recorder or nothing at all may sit behind it;
// field logic never depends on what the sink does.
type Sink interface {
	ValueChanged(fieldID string, value any)
	EnabledChanged(fieldID string, enabled bool)
	OptionsChanged(fieldID string, options []manifest.Option)
	Removed(fieldID string)
}

// NopSink ignores every update.
type NopSink struct{}

func (NopSink) ValueChanged(string, any)                 {}
func (NopSink) EnabledChanged(string, bool)              {}
func (NopSink) OptionsChanged(string, []manifest.Option) {}
func (NopSink) Removed(string)                           {}
