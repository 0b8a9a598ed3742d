package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting of the playground runner service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Interactive InteractiveConfig `mapstructure:"interactive"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Log         LogConfig         `mapstructure:"log"`

	// Source is the config file that was read, empty when none was found.
	Source string `mapstructure:"-"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	ReadTimeoutSec     int      `mapstructure:"readTimeoutSec"`
	WriteTimeoutSec    int      `mapstructure:"writeTimeoutSec"`
	IdleTimeoutSec     int      `mapstructure:"idleTimeoutSec"`
	Production         bool     `mapstructure:"production"`
	AllowedOrigins     []string `mapstructure:"allowedOrigins"`
	RateLimitPerMinute int      `mapstructure:"rateLimitPerMinute"`
	RateLimitBurst     int      `mapstructure:"rateLimitBurst"`
	TrustedProxies     []string `mapstructure:"trustedProxies"` // IPs or CIDRs whose X-Forwarded-For is honoured
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RunnerConfig configures compilation and execution of submitted programs.
type RunnerConfig struct {
	SandboxBaseDir        string   `mapstructure:"sandboxBaseDir"` // parent of the per-job workspaces
	SandboxType           string   `mapstructure:"sandboxType"`    // direct, nsjail or bwrap
	CompilerPath          string   `mapstructure:"compilerPath"`
	CompilerFlags         []string `mapstructure:"compilerFlags"`
	LinkFlags             []string `mapstructure:"linkFlags"`
	CompilationTimeoutSec int      `mapstructure:"compilationTimeoutSec"`
	RunTimeoutMs          int      `mapstructure:"runTimeoutMs"`
	HardDeadlineSlackMs   int      `mapstructure:"hardDeadlineSlackMs"`
	MaxConcurrentJobs     int      `mapstructure:"maxConcurrentJobs"`
	OutputCapBytes        int      `mapstructure:"outputCapBytes"`
	MemoryLimitKb         int      `mapstructure:"memoryLimitKb"` // 0 disables the RSS monitor
	MaxFiles              int      `mapstructure:"maxFiles"`
	MaxSourceBytes        int      `mapstructure:"maxSourceBytes"`
	CleanupGraceMs        int      `mapstructure:"cleanupGraceMs"`
	SweepIntervalMin      int      `mapstructure:"sweepIntervalMin"`
	SweepTTLMin           int      `mapstructure:"sweepTTLMin"`
	NsjailPath            string   `mapstructure:"nsjailPath"`
	BwrapPath             string   `mapstructure:"bwrapPath"`
}

// CompilationTimeout is the deadline for one compiler invocation.
func (r RunnerConfig) CompilationTimeout() time.Duration {
	return time.Duration(r.CompilationTimeoutSec) * time.Second
}

// RunTimeout is the wall-clock deadline of a batch run.
func (r RunnerConfig) RunTimeout() time.Duration {
	return time.Duration(r.RunTimeoutMs) * time.Millisecond
}

// HardDeadline bounds a whole batch pipeline, compile phase included.
func (r RunnerConfig) HardDeadline() time.Duration {
	return r.CompilationTimeout() + r.RunTimeout() + time.Duration(r.HardDeadlineSlackMs)*time.Millisecond
}

// CleanupGrace is the delay before a finished workspace is removed.
func (r RunnerConfig) CleanupGrace() time.Duration {
	return time.Duration(r.CleanupGraceMs) * time.Millisecond
}

// InteractiveConfig configures WebSocket terminal sessions.
type InteractiveConfig struct {
	TimeoutMs       int   `mapstructure:"timeoutMs"`
	SharedAdmission bool  `mapstructure:"sharedAdmission"` // sessions draw slots from the batch pool
	MaxSessions     int   `mapstructure:"maxSessions"`     // pool size when SharedAdmission is false
	MaxMessageBytes int64 `mapstructure:"maxMessageBytes"`
	WriteTimeoutMs  int   `mapstructure:"writeTimeoutMs"` // per message sent to the client
	PongTimeoutMs   int   `mapstructure:"pongTimeoutMs"`  // silence allowed before the connection is dropped
}

// Timeout is the wall-clock deadline of an interactive run.
func (i InteractiveConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutMs) * time.Millisecond
}

// WriteTimeout bounds one write to a terminal client.
func (i InteractiveConfig) WriteTimeout() time.Duration {
	return time.Duration(i.WriteTimeoutMs) * time.Millisecond
}

// PongTimeout is how long a terminal client may go without answering a ping.
func (i InteractiveConfig) PongTimeout() time.Duration {
	return time.Duration(i.PongTimeoutMs) * time.Millisecond
}

// NATSConfig configures the optional NATS transport.
type NATSConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	ExecuteSubject string `mapstructure:"executeSubject"`
	ResultSubject  string `mapstructure:"resultSubject"`
	QueueGroup     string `mapstructure:"queueGroup"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

var (
	ErrUnknownSandboxType = errors.New("unknown sandbox type")
	ErrInvalidValue       = errors.New("invalid configuration value")
)

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Runner.SandboxType {
	case "direct", "nsjail", "bwrap":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSandboxType, c.Runner.SandboxType)
	}
	checks := []struct {
		name  string
		value int
	}{
		{"runner.compilationTimeoutSec", c.Runner.CompilationTimeoutSec},
		{"runner.runTimeoutMs", c.Runner.RunTimeoutMs},
		{"runner.outputCapBytes", c.Runner.OutputCapBytes},
		{"runner.maxConcurrentJobs", c.Runner.MaxConcurrentJobs},
		{"interactive.timeoutMs", c.Interactive.TimeoutMs},
		{"interactive.writeTimeoutMs", c.Interactive.WriteTimeoutMs},
		{"interactive.pongTimeoutMs", c.Interactive.PongTimeoutMs},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidValue, check.name, check.value)
		}
	}
	if !c.Interactive.SharedAdmission && c.Interactive.MaxSessions <= 0 {
		return fmt.Errorf("%w: interactive.maxSessions must be positive when sharedAdmission is off", ErrInvalidValue)
	}
	for _, proxy := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			return fmt.Errorf("%w: server.trustedProxies entry %q is not an IP or CIDR", ErrInvalidValue, proxy)
		}
	}
	if c.Runner.CompilerPath == "" {
		return fmt.Errorf("%w: runner.compilerPath is empty", ErrInvalidValue)
	}
	return nil
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.readTimeoutSec", 15)
	v.SetDefault("server.writeTimeoutSec", 60)
	v.SetDefault("server.idleTimeoutSec", 120)
	v.SetDefault("server.production", false)
	v.SetDefault("server.allowedOrigins", []string{
		"http://localhost:4321",
		"http://localhost:3000",
		"http://localhost:5173",
	})
	v.SetDefault("server.rateLimitPerMinute", 100)
	v.SetDefault("server.rateLimitBurst", 20)
	v.SetDefault("server.trustedProxies", []string{})

	v.SetDefault("runner.sandboxBaseDir", filepath.Join(os.TempDir(), "playground-runner"))
	v.SetDefault("runner.sandboxType", "direct")
	v.SetDefault("runner.compilerPath", "gcc")
	v.SetDefault("runner.compilerFlags", []string{"-Wall", "-Wextra", "-pthread"})
	v.SetDefault("runner.linkFlags", []string{"-lm"})
	v.SetDefault("runner.compilationTimeoutSec", 10)
	v.SetDefault("runner.runTimeoutMs", 5000)
	v.SetDefault("runner.hardDeadlineSlackMs", 5000)
	v.SetDefault("runner.maxConcurrentJobs", 4)
	v.SetDefault("runner.outputCapBytes", 100*1024)
	v.SetDefault("runner.memoryLimitKb", 0)
	v.SetDefault("runner.maxFiles", 32)
	v.SetDefault("runner.maxSourceBytes", 256*1024)
	v.SetDefault("runner.cleanupGraceMs", 500)
	v.SetDefault("runner.sweepIntervalMin", 10)
	v.SetDefault("runner.sweepTTLMin", 30)
	v.SetDefault("runner.nsjailPath", "nsjail")
	v.SetDefault("runner.bwrapPath", "bwrap")

	v.SetDefault("interactive.timeoutMs", 15000)
	v.SetDefault("interactive.sharedAdmission", true)
	v.SetDefault("interactive.maxSessions", 4)
	v.SetDefault("interactive.maxMessageBytes", 1<<20)
	v.SetDefault("interactive.writeTimeoutMs", 10000)
	v.SetDefault("interactive.pongTimeoutMs", 60000)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.executeSubject", "playground.execute")
	v.SetDefault("nats.resultSubject", "playground.result")
	v.SetDefault("nats.queueGroup", "playground-runner")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// RegisterFlags declares the command-line overrides understood by LoadConfig.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a directory containing config.yaml")
	fs.Int("port", 3001, "HTTP listen port")
	fs.String("sandbox-type", "direct", "isolation wrapper: direct, nsjail or bwrap")
	fs.Int("max-concurrent-jobs", 4, "number of programs allowed to run at once")
	fs.String("log-level", "info", "zerolog level")
}

// LoadConfig reads config.yaml, environment variables (RUNNER_ prefix) and,
// when flags is not nil, command-line flags. Flags win over env, env over file.
func LoadConfig(flags *pflag.FlagSet, configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if flags != nil {
		if dir, err := flags.GetString("config"); err == nil && dir != "" {
			v.AddConfigPath(dir)
		}
	}
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/playground-runner/")

	v.SetEnvPrefix("RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "RUNNER_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("bind PORT: %w", err)
	}

	SetDefaults(v)

	if flags != nil {
		bindings := map[string]string{
			"server.port":              "port",
			"runner.sandboxType":       "sandbox-type",
			"runner.maxConcurrentJobs": "max-concurrent-jobs",
			"log.level":                "log-level",
		}
		for key, name := range bindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}
