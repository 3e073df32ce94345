// Package settings loads the application settings with viper.
//
// Values come, lowest priority first, from built-in defaults, the
// pcutils.yaml settings file and PCUTILS_* environment variables
// (PCUTILS_SSH_MAX_PARALLEL overrides ssh.max_parallel).
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "PCUTILS"

// FileName is the settings file name without extension.
const FileName = "pcutils"

// Settings is the complete application configuration.
type Settings struct {
	Paths       Paths       `mapstructure:"paths"`
	SSH         SSH         `mapstructure:"ssh"`
	Execution   Execution   `mapstructure:"execution"`
	Multiplexer Multiplexer `mapstructure:"multiplexer"`
	Telemetry   Telemetry   `mapstructure:"telemetry"`
	Policy      Policy      `mapstructure:"policy"`

	// File is the settings file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Paths locates the plugin tree and the report database.
type Paths struct {
	Plugins   string `mapstructure:"plugins" validate:"required"`
	Sequences string `mapstructure:"sequences" validate:"required"`
	Scripts   string `mapstructure:"scripts" validate:"required"`
	Templates string `mapstructure:"templates" validate:"required"`
	Reports   string `mapstructure:"reports" validate:"required"`
}

// SSH configures remote execution.
type SSH struct {
	RemoteTempDir      string        `mapstructure:"remote_temp_dir" validate:"required,startswith=/"`
	CleanupTempFiles   bool          `mapstructure:"cleanup_temp_files"`
	AutoAddKeys        bool          `mapstructure:"auto_add_keys"`
	KnownHosts         string        `mapstructure:"known_hosts"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	TransferTimeout    time.Duration `mapstructure:"transfer_timeout" validate:"gt=0"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
	KeepAliveInterval  time.Duration `mapstructure:"keepalive_interval" validate:"gte=0"`
	KeepAliveMaxMissed int           `mapstructure:"keepalive_max_missed" validate:"gte=1"`
	Parallel           bool          `mapstructure:"parallel"`
	MaxParallel        int           `mapstructure:"max_parallel" validate:"gte=1,lte=256"`
	DefaultPort        int           `mapstructure:"default_port" validate:"gte=1,lte=65535"`
	DefaultUser        string        `mapstructure:"default_user" validate:"required"`
}

// Execution configures local runs and the scheduler.
type Execution struct {
	ContinueOnError bool          `mapstructure:"continue_on_error"`
	Python          string        `mapstructure:"python" validate:"required"`
	GracePeriod     time.Duration `mapstructure:"grace_period" validate:"gt=0"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout" validate:"gt=0"`
}

// Multiplexer tunes the log multiplexer.
type Multiplexer struct {
	BatchSize       int           `mapstructure:"batch_size" validate:"gte=1"`
	FlushInterval   time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
	DedupCapacity   int           `mapstructure:"dedup_capacity" validate:"gte=1"`
	DedupWindow     time.Duration `mapstructure:"dedup_window" validate:"gt=0"`
}

// Telemetry configures metrics and tracing. Both are off by default.
type Telemetry struct {
	MetricsAddr  string  `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	Tracing      string  `mapstructure:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" validate:"required_if=Tracing otlp"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	LogFormat    string  `mapstructure:"log_format" validate:"oneof=console json"`
	LogFile      string  `mapstructure:"log_file"`
}

// Policy locates extra preflight rules.
type Policy struct {
	Dir string `mapstructure:"dir"`
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("paths.plugins", "plugins")
	v.SetDefault("paths.sequences", "sequences")
	v.SetDefault("paths.scripts", "scripts")
	v.SetDefault("paths.templates", "templates")
	v.SetDefault("paths.reports", filepath.Join("reports", "pcutils.db"))

	v.SetDefault("ssh.remote_temp_dir", "/tmp/pcutils")
	v.SetDefault("ssh.cleanup_temp_files", true)
	v.SetDefault("ssh.auto_add_keys", true)
	v.SetDefault("ssh.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.transfer_timeout", 60*time.Second)
	v.SetDefault("ssh.command_timeout", 120*time.Second)
	v.SetDefault("ssh.keepalive_interval", 5*time.Second)
	v.SetDefault("ssh.keepalive_max_missed", 3)
	v.SetDefault("ssh.parallel", true)
	v.SetDefault("ssh.max_parallel", 5)
	v.SetDefault("ssh.default_port", 22)
	v.SetDefault("ssh.default_user", "root")

	v.SetDefault("execution.continue_on_error", false)
	v.SetDefault("execution.python", "python3")
	v.SetDefault("execution.grace_period", 3*time.Second)
	v.SetDefault("execution.callback_timeout", 10*time.Second)

	v.SetDefault("multiplexer.batch_size", 10)
	v.SetDefault("multiplexer.flush_interval", 100*time.Millisecond)
	v.SetDefault("multiplexer.refresh_interval", 50*time.Millisecond)
	v.SetDefault("multiplexer.dedup_capacity", 200)
	v.SetDefault("multiplexer.dedup_window", time.Second)

	v.SetDefault("telemetry.metrics_addr", "")
	v.SetDefault("telemetry.tracing", "none")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sampling_rate", 1.0)
	v.SetDefault("telemetry.log_format", "console")
	v.SetDefault("telemetry.log_file", "")

	v.SetDefault("policy.dir", "")
}

// Load reads settings. file, when set, must exist; otherwise pcutils.yaml
// is searched in the working directory and $HOME/.config/pcutils, and a
// missing file is not an error.
func Load(file string) (*Settings, error) {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pcutils"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.File = v.ConfigFileUsed()
	s.SSH.KnownHosts = expandHome(s.SSH.KnownHosts)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the built-in settings.
func Default() *Settings {
	v := viper.New()
	SetDefaults(v)
	var s Settings
	// Defaults always decode.
	_ = v.Unmarshal(&s)
	s.SSH.KnownHosts = expandHome(s.SSH.KnownHosts)
	return &s
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
