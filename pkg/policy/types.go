package policy

import (
	"time"

	"github.com/pcutils/pcutils/pkg/credentials"
	"github.com/pcutils/pcutils/pkg/iprange"
	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/seqconfig"
	"github.com/pcutils/pcutils/pkg/values"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity prevents scheduling.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module with its default severity.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Builtin     bool     `json:"builtin,omitempty"`
	// Source is the file the policy was read from.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Instance string   `json:"instance,omitempty"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy for one input.
type Result struct {
	Allowed bool `json:"allowed"`
	// Violations block scheduling; Warnings are informational.
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`
	// Errors lists policies that failed to evaluate.
	Errors            []string      `json:"errors,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the blocking violation messages.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Input is the document policies are evaluated against. Connection
// settings are pre-coerced so rules do not need lax comparisons.
type Input struct {
	Plugin          string         `json:"plugin"`
	Instance        string         `json:"instance"`
	Remote          bool           `json:"remote"`
	SSHRoot         bool           `json:"ssh_root"`
	SSHIPs          string         `json:"ssh_ips"`
	SSHUser         string         `json:"ssh_user"`
	TargetCount     int            `json:"target_count"`
	HasPassword     bool           `json:"has_password"`
	HasRootPassword bool           `json:"has_root_password"`
	RootSameAsSSH   bool           `json:"root_same_as_ssh"`
	Config          map[string]any `json:"config"`
	Context         Context        `json:"context"`
}

// Context describes the invoking process.
type Context struct {
	User          string    `json:"user,omitempty"`
	RunningAsRoot bool      `json:"running_as_root"`
	Timestamp     time.Time `json:"timestamp"`
}

// InputFromRecord builds the policy input of an effective instance.
func InputFromRecord(rec *seqconfig.Record) Input {
	cfg := rec.Config
	in := Input{
		Plugin:   rec.PluginName,
		Instance: rec.Key(),
		Remote:   rec.RemoteExecution,
		Config:   cfg,
		Context: Context{
			User:          credentials.Default().SudoUser(),
			RunningAsRoot: credentials.Default().IsRunningAsRoot(),
			Timestamp:     time.Now(),
		},
	}
	if rec.Manifest != nil {
		in.SSHRoot = rec.Manifest.SSHRoot
	}
	in.SSHIPs = values.String(cfg[manifest.SSHIPsField])
	in.SSHUser = values.String(cfg[manifest.SSHUserField])
	in.HasPassword = values.String(cfg[manifest.SSHPasswordField]) != ""
	in.HasRootPassword = values.String(cfg[manifest.RootPasswordField]) != ""
	in.RootSameAsSSH = values.Bool(cfg[manifest.SSHRootSameField])
	if in.Remote && in.SSHIPs != "" {
		in.TargetCount = len(iprange.Targets(in.SSHIPs, values.String(cfg[manifest.SSHExceptionIPsField])))
	}
	return in
}
