// Package settings loads harness configuration with koanf.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// TOPOTEST_ environment variables. A double underscore separates sections,
// e.g. TOPOTEST_POLL__MAX_ATTEMPTS sets poll.max_attempts.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/runner"
)

// -------------------------------------------------------------------------
// Settings structures
// -------------------------------------------------------------------------

// Settings holds the complete harness configuration.
type Settings struct {
	Dirs    DirsConfig    `koanf:"dirs"`
	Log     LogConfig     `koanf:"log"`
	FRR     FRRConfig     `koanf:"frr"`
	Peers   PeersConfig   `koanf:"peers"`
	Poll    PollConfig    `koanf:"poll"`
	Fabric  FabricConfig  `koanf:"fabric"`
	SSH     SSHConfig     `koanf:"ssh"`
	Redis   RedisConfig   `koanf:"redis"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// DirsConfig holds filesystem locations on the fabric host.
type DirsConfig struct {
	// State holds fabric handles and locks.
	State string `koanf:"state"`
	// Log receives daemon and peer logs, one subdirectory per node.
	Log string `koanf:"log"`
	// Run holds pid files and API sockets.
	Run string `koanf:"run"`
	// Reports receives markdown and JUnit run reports.
	Reports string `koanf:"reports"`
}

// LogConfig holds harness logging options.
type LogConfig struct {
	// Level is one of logrus' levels: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is "text" or "json".
	Format string `koanf:"format"`
}

// FRRConfig locates the routing suite.
type FRRConfig struct {
	BinDir string `koanf:"bindir"`
	Vtysh  string `koanf:"vtysh"`
}

// PeersConfig locates the BGP peer emulators.
type PeersConfig struct {
	ExaBGP string `koanf:"exabgp"`
	GoBGPd string `koanf:"gobgpd"`
}

// PollConfig holds the default convergence budget.
type PollConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Interval    time.Duration `koanf:"interval"`
}

// FabricConfig selects how fabric ops are applied.
type FabricConfig struct {
	// Executor is "shell" (ip(8) through the runner) or "netlink".
	Executor string `koanf:"executor"`
}

// SSHConfig selects a remote fabric host. An empty Host runs locally.
type SSHConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	KeyFile  string `koanf:"key_file"`
	Sudo     bool   `koanf:"sudo"`
}

// RedisConfig points redis queries at a database. An empty Addr disables
// them.
type RedisConfig struct {
	Addr string `koanf:"addr"`
	DB   int    `koanf:"db"`
}

// MetricsConfig controls the end-of-run metrics export.
type MetricsConfig struct {
	// Textfile is written in Prometheus text format. Empty disables export.
	Textfile string `koanf:"textfile"`
}

// PollPolicy returns the configured default poll policy.
func (s *Settings) PollPolicy() poll.Policy {
	return poll.Policy{MaxAttempts: s.Poll.MaxAttempts, Interval: s.Poll.Interval}
}

// Remote reports whether the fabric host is reached over SSH.
func (s *Settings) Remote() bool {
	return s.SSH.Host != ""
}

// SSHRunnerConfig converts the SSH section for runner.DialSSH.
func (s *Settings) SSHRunnerConfig() runner.SSHConfig {
	return runner.SSHConfig{
		Host:     s.SSH.Host,
		Port:     s.SSH.Port,
		User:     s.SSH.User,
		Password: s.SSH.Password,
		KeyFile:  s.SSH.KeyFile,
	}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// Default returns Settings populated with defaults for a local run.
func Default() *Settings {
	return &Settings{
		Dirs: DirsConfig{
			State:   "/var/lib/topotest",
			Log:     "/var/log/topotest",
			Run:     "/run/topotest",
			Reports: "reports",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		FRR: FRRConfig{
			BinDir: "/usr/lib/frr",
			Vtysh:  "vtysh",
		},
		Peers: PeersConfig{
			ExaBGP: "exabgp",
			GoBGPd: "gobgpd",
		},
		Poll: PollConfig{
			MaxAttempts: poll.DefaultMaxAttempts,
			Interval:    poll.DefaultInterval,
		},
		Fabric: FabricConfig{
			Executor: ExecutorShell,
		},
		SSH: SSHConfig{
			Port: 22,
			User: "root",
		},
		Redis: RedisConfig{
			DB: 0,
		},
	}
}

// Fabric executors.
const (
	ExecutorShell   = "shell"
	ExecutorNetlink = "netlink"
)

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the prefix of environment overrides.
const envPrefix = "TOPOTEST_"

// DefaultPath returns the per-user settings file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "topotest.yaml"
	}
	return filepath.Join(home, ".topotest", "settings.yaml")
}

// Load layers defaults, the YAML file at path and environment overrides.
// A missing file is not an error; an empty path skips the file layer.
//
//	TOPOTEST_LOG__LEVEL         -> log.level
//	TOPOTEST_POLL__MAX_ATTEMPTS -> poll.max_attempts
//	TOPOTEST_SSH__HOST          -> ssh.host
func Load(path string) (*Settings, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, Default()); err != nil {
		return nil, fmt.Errorf("load settings defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load settings from %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat settings %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := Validate(s); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return s, nil
}

// envKeyMapper maps TOPOTEST_POLL__MAX_ATTEMPTS to poll.max_attempts.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

func loadDefaults(k *koanf.Koanf, s *Settings) error {
	for key, val := range flatten(s) {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// flatten renders s as dotted koanf keys.
func flatten(s *Settings) map[string]any {
	return map[string]any{
		"dirs.state":        s.Dirs.State,
		"dirs.log":          s.Dirs.Log,
		"dirs.run":          s.Dirs.Run,
		"dirs.reports":      s.Dirs.Reports,
		"log.level":         s.Log.Level,
		"log.format":        s.Log.Format,
		"frr.bindir":        s.FRR.BinDir,
		"frr.vtysh":         s.FRR.Vtysh,
		"peers.exabgp":      s.Peers.ExaBGP,
		"peers.gobgpd":      s.Peers.GoBGPd,
		"poll.max_attempts": s.Poll.MaxAttempts,
		"poll.interval":     s.Poll.Interval.String(),
		"fabric.executor":   s.Fabric.Executor,
		"ssh.host":          s.SSH.Host,
		"ssh.port":          s.SSH.Port,
		"ssh.user":          s.SSH.User,
		"ssh.password":      s.SSH.Password,
		"ssh.key_file":      s.SSH.KeyFile,
		"ssh.sudo":          s.SSH.Sudo,
		"redis.addr":        s.Redis.Addr,
		"redis.db":          s.Redis.DB,
		"metrics.textfile":  s.Metrics.Textfile,
	}
}

// Keys lists every settable key in sorted order.
func Keys() []string {
	keys := make([]string, 0, 32)
	for k := range flatten(Default()) {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// -------------------------------------------------------------------------
// Persistence
// -------------------------------------------------------------------------

// ErrUnknownKey is returned by Set for keys not in Keys().
var ErrUnknownKey = errors.New("unknown settings key")

// Set updates one dotted key in the YAML file at path, keeping the other
// values in the file, and validates the result.
func Set(path, key, value string) error {
	if !slices.Contains(Keys(), key) {
		return fmt.Errorf("%q: %w", key, ErrUnknownKey)
	}

	k := koanf.New(".")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load settings from %s: %w", path, err)
		}
	}
	if err := k.Set(key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	check := koanf.New(".")
	if err := loadDefaults(check, Default()); err != nil {
		return err
	}
	if err := check.Merge(k); err != nil {
		return fmt.Errorf("merge settings: %w", err)
	}
	s := &Settings{}
	if err := check.Unmarshal("", s); err != nil {
		return fmt.Errorf("%s=%q: %w", key, value, err)
	}
	if err := Validate(s); err != nil {
		return err
	}

	data, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Dump renders the effective settings as YAML, with the SSH password
// masked.
func (s *Settings) Dump() (string, error) {
	k := koanf.New(".")
	if err := loadDefaults(k, s); err != nil {
		return "", err
	}
	if s.SSH.Password != "" {
		_ = k.Set("ssh.password", "********")
	}
	data, err := k.Marshal(yaml.Parser())
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	return string(data), nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrInvalidExecutor    = errors.New("fabric.executor must be shell or netlink")
	ErrInvalidMaxAttempts = errors.New("poll.max_attempts must be >= 1")
	ErrInvalidInterval    = errors.New("poll.interval must be >= 0")
	ErrInvalidLogFormat   = errors.New("log.format must be text or json")
	ErrEmptyStateDir      = errors.New("dirs.state must not be empty")
	ErrNetlinkRemote      = errors.New("fabric.executor netlink cannot drive a remote ssh host")
)

// Validate checks s for logical errors and returns the first one found.
func Validate(s *Settings) error {
	switch s.Fabric.Executor {
	case ExecutorShell, ExecutorNetlink:
	default:
		return fmt.Errorf("%q: %w", s.Fabric.Executor, ErrInvalidExecutor)
	}
	if s.Fabric.Executor == ExecutorNetlink && s.Remote() {
		return ErrNetlinkRemote
	}
	if s.Poll.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if s.Poll.Interval < 0 {
		return ErrInvalidInterval
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%q: %w", s.Log.Format, ErrInvalidLogFormat)
	}
	if s.Dirs.State == "" {
		return ErrEmptyStateDir
	}
	return nil
}
