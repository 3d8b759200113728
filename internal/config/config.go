// Package config binds the agxd daemon's env-authoritative configuration
// surface (§6.4) the way 88lin-divinesense wires cobra+viper+godotenv: a
// .env file is loaded best-effort, viper reads AGX_* env vars, and flags
// registered on the cobra root command override them.
package config

import (
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	CloudURL                 string
	UserID                   string
	DaemonMaxConcurrent      int
	DaemonPollMs             int
	SwarmTimeoutMs           int
	VerifyTimeoutMs          int
	SwarmRetries             int
	SwarmMaxIters            int
	SingleMaxIters           int
	VerifyPromptMaxChars     int
	LocalArtifactShaMaxBytes int64
	HomeDir                  string
}

// PollInterval returns DaemonPollMs as a Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.DaemonPollMs) * time.Millisecond
}

// SwarmTimeout returns SwarmTimeoutMs as a Duration.
func (c Config) SwarmTimeout() time.Duration {
	return time.Duration(c.SwarmTimeoutMs) * time.Millisecond
}

// VerifyTimeout returns VerifyTimeoutMs as a Duration.
func (c Config) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutMs) * time.Millisecond
}

// BindFlags registers the override flags on a cobra/pflag flag set. Call
// before Load so viper's BindPFlag wiring sees the final set.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("cloud-url", "", "task service base URL")
	flags.String("user-id", "", "x-user-id header value")
	flags.Int("max-concurrent", 0, "worker pool size")
	flags.Int("poll-ms", 0, "queue poll interval in ms")
}

// Load reads AGX_* environment variables (after a best-effort .env load),
// binds the given flags as overrides, clamps daemon limits per §4.E, and
// returns the resolved Config.
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	v := viper.New()
	v.SetEnvPrefix("AGX")
	v.AutomaticEnv()

	v.SetDefault("CLOUD_URL", "http://localhost:41741")
	v.SetDefault("USER_ID", "")
	v.SetDefault("DAEMON_MAX_CONCURRENT", 1)
	v.SetDefault("DAEMON_POLL_MS", 1500)
	v.SetDefault("SWARM_TIMEOUT_MS", 600000)
	v.SetDefault("VERIFY_TIMEOUT_MS", 300000)
	v.SetDefault("SWARM_RETRIES", 1)
	v.SetDefault("SWARM_MAX_ITERS", 2)
	v.SetDefault("SINGLE_MAX_ITERS", 6)
	v.SetDefault("VERIFY_PROMPT_MAX_CHARS", 6000)
	v.SetDefault("LOCAL_ARTIFACT_SHA_MAX_BYTES", int64(5242880))

	if flags != nil {
		_ = v.BindPFlag("CLOUD_URL", flags.Lookup("cloud-url"))
		_ = v.BindPFlag("USER_ID", flags.Lookup("user-id"))
		_ = v.BindPFlag("DAEMON_MAX_CONCURRENT", flags.Lookup("max-concurrent"))
		_ = v.BindPFlag("DAEMON_POLL_MS", flags.Lookup("poll-ms"))
	}

	home, err := homeDir()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		CloudURL:                 v.GetString("CLOUD_URL"),
		UserID:                   v.GetString("USER_ID"),
		DaemonMaxConcurrent:      v.GetInt("DAEMON_MAX_CONCURRENT"),
		DaemonPollMs:             v.GetInt("DAEMON_POLL_MS"),
		SwarmTimeoutMs:           v.GetInt("SWARM_TIMEOUT_MS"),
		VerifyTimeoutMs:          v.GetInt("VERIFY_TIMEOUT_MS"),
		SwarmRetries:             v.GetInt("SWARM_RETRIES"),
		SwarmMaxIters:            v.GetInt("SWARM_MAX_ITERS"),
		SingleMaxIters:           v.GetInt("SINGLE_MAX_ITERS"),
		VerifyPromptMaxChars:     v.GetInt("VERIFY_PROMPT_MAX_CHARS"),
		LocalArtifactShaMaxBytes: v.GetInt64("LOCAL_ARTIFACT_SHA_MAX_BYTES"),
		HomeDir:                  home,
	}

	if cfg.DaemonMaxConcurrent < 1 {
		cfg.DaemonMaxConcurrent = 1
	}
	if cfg.DaemonPollMs < 200 {
		cfg.DaemonPollMs = 200
	}

	return cfg, nil
}
