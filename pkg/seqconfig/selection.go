package seqconfig

import (
	"strings"

	"github.com/pcutils/pcutils/pkg/sequence"
)

// SequenceSelections selects every entry of seq in order, each pinned to
// its position. Instance ids count occurrences per plugin from 1.
func SequenceSelections(seq *sequence.Sequence) []Selection {
	if seq == nil {
		return nil
	}
	counters := make(map[string]int)
	out := make([]Selection, 0, len(seq.Entries))
	for _, e := range seq.Entries {
		if strings.HasPrefix(e.PluginID, "__") {
			continue
		}
		counters[e.PluginID]++
		pos := e.Position
		out = append(out, Selection{
			PluginID:     e.PluginID,
			InstanceID:   counters[e.PluginID],
			FromSequence: &pos,
		})
	}
	return out
}

// SingleSelection selects one instance of pluginID with preset overrides.
func SingleSelection(pluginID string, preset map[string]any) []Selection {
	return []Selection{{PluginID: pluginID, InstanceID: 1, Preset: preset}}
}
