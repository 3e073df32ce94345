package settings

import (
	"github.com/pcutils/pcutils/pkg/callback"
	"github.com/pcutils/pcutils/pkg/executor/local"
	"github.com/pcutils/pcutils/pkg/executor/remote"
	"github.com/pcutils/pcutils/pkg/iprange"
	"github.com/pcutils/pcutils/pkg/multiplexer"
	"github.com/pcutils/pcutils/pkg/telemetry"
)

// LocalConfig returns the local executor configuration.
func (s *Settings) LocalConfig() local.Config {
	return local.Config{
		Python:      s.Execution.Python,
		GracePeriod: s.Execution.GracePeriod,
	}
}

// RemoteConfig returns the SSH executor configuration.
func (s *Settings) RemoteConfig() remote.Config {
	return remote.Config{
		RemoteTempDir:      s.SSH.RemoteTempDir,
		CleanupTempFiles:   s.SSH.CleanupTempFiles,
		AutoAddKeys:        s.SSH.AutoAddKeys,
		KnownHostsPath:     s.SSH.KnownHosts,
		ConnectTimeout:     s.SSH.ConnectTimeout,
		TransferTimeout:    s.SSH.TransferTimeout,
		CommandTimeout:     s.SSH.CommandTimeout,
		KeepAliveInterval:  s.SSH.KeepAliveInterval,
		KeepAliveMaxMissed: s.SSH.KeepAliveMaxMissed,
		Parallel:           s.SSH.Parallel,
		MaxParallel:        s.SSH.MaxParallel,
		DefaultPort:        s.SSH.DefaultPort,
		DefaultUser:        s.SSH.DefaultUser,
		Python:             s.Execution.Python,
	}
}

// ProberConfig returns the reachability prober configuration.
func (s *Settings) ProberConfig() iprange.ProberConfig {
	return iprange.ProberConfig{
		Port:        s.SSH.DefaultPort,
		DialTimeout: s.SSH.ConnectTimeout,
		Concurrency: s.SSH.MaxParallel * 4,
	}
}

// CallbackOptions returns the dynamic callback dispatcher options.
func (s *Settings) CallbackOptions() callback.Options {
	return callback.Options{
		Timeout: s.Execution.CallbackTimeout,
		Python:  s.Execution.Python,
		Paths: callback.Paths{
			BaseDir:    ".",
			PluginsDir: s.Paths.Plugins,
			ScriptsDir: s.Paths.Scripts,
		},
	}
}

// MultiplexerConfig returns the log multiplexer configuration. Unset
// tuning values keep the multiplexer defaults.
func (s *Settings) MultiplexerConfig() multiplexer.Config {
	cfg := multiplexer.DefaultConfig()
	cfg.BatchSize = s.Multiplexer.BatchSize
	cfg.FlushInterval = s.Multiplexer.FlushInterval
	cfg.RefreshInterval = s.Multiplexer.RefreshInterval
	cfg.DedupCapacity = s.Multiplexer.DedupCapacity
	cfg.DedupWindow = s.Multiplexer.DedupWindow
	return cfg
}

// TelemetryConfig returns the telemetry configuration for logLevel.
func (s *Settings) TelemetryConfig(version, logLevel string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.Tracing.Exporter = s.Telemetry.Tracing
	cfg.Tracing.Endpoint = s.Telemetry.OTLPEndpoint
	cfg.Tracing.SamplingRate = s.Telemetry.SamplingRate
	cfg.Logging.Format = s.Telemetry.LogFormat
	if s.Telemetry.LogFile != "" {
		cfg.Logging.Output = s.Telemetry.LogFile
	}
	cfg.Metrics.ListenAddress = s.Telemetry.MetricsAddr
	return cfg
}
