package manifest

import (
	"errors"
	"fmt"
)

// Reason classifies why a manifest could not be loaded.
type Reason string

const (
	ReasonMissing   Reason = "missing"
	ReasonMalformed Reason = "malformed"
	ReasonSchema    Reason = "schema"
	ReasonCycle     Reason = "cycle"
)

// ManifestError is returned when a plugin manifest cannot be loaded.
type ManifestError struct {
	PluginID string
	Path     string
	Reason   Reason
	Err      error
}

func (e *ManifestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("manifest %s (%s): %s: %v", e.PluginID, e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("manifest %s (%s): %s", e.PluginID, e.Path, e.Reason)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// IsManifestError reports whether err is a ManifestError with the given reason.
// An empty reason matches any ManifestError.
func IsManifestError(err error, reason Reason) bool {
	var me *ManifestError
	if !errors.As(err, &me) {
		return false
	}
	return reason == "" || me.Reason == reason
}
