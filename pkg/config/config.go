package config

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/mentor/pkg/capture"
	"github.com/go-go-golems/mentor/pkg/eventbus"
)

const EnvPrefix = "MENTOR"

// Settings is the resolved configuration of the mentor CLI. Values are layered:
// defaults, the YAML config file, MENTOR_* environment variables, then flags.
type Settings struct {
	ServerURL      string `yaml:"server-url" mapstructure:"server-url"`
	Token          string `yaml:"token" mapstructure:"token"`
	ContextID      string `yaml:"context-id" mapstructure:"context-id"`
	ConversationID string `yaml:"conversation-id" mapstructure:"conversation-id"`
	HistoryFile    string `yaml:"history-file" mapstructure:"history-file"`

	CaptureInterval time.Duration `yaml:"capture-interval" mapstructure:"capture-interval"`
	DrainDelay      time.Duration `yaml:"drain-delay" mapstructure:"drain-delay"`
	Audio           bool          `yaml:"audio" mapstructure:"audio"`
	InputDevice     string        `yaml:"input-device" mapstructure:"input-device"`

	SQLitePath string            `yaml:"sqlite-path" mapstructure:"sqlite-path"`
	Redis      eventbus.Settings `yaml:"redis" mapstructure:"redis"`
	LogLevel   string            `yaml:"log-level" mapstructure:"log-level"`
}

func Defaults() Settings {
	return Settings{
		ServerURL:       "http://localhost:4000",
		CaptureInterval: capture.DefaultInterval,
		DrainDelay:      capture.DefaultDrainDelay,
		Audio:           true,
		SQLitePath:      DefaultSQLitePath(),
		Redis:           eventbus.DefaultSettings(),
		LogLevel:        "info",
	}
}

// DefaultConfigPath is ~/.mentor/config.yaml, or empty when the home directory
// is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".mentor", "config.yaml")
}

func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "mentor.db"
	}
	return filepath.Join(home, ".mentor", "mentor.db")
}

// AddFlags registers the persistent flags of the CLI. Defaults shown in help
// are the built-in defaults; Load only lets flags the user set win.
func AddFlags(cmd *cobra.Command) {
	d := Defaults()
	f := cmd.PersistentFlags()
	f.String("config", DefaultConfigPath(), "Path to the YAML config file")
	f.String("server-url", d.ServerURL, "Mentor server URL")
	f.String("token", "", "Bearer token for the mentor server")
	f.String("context-id", "", "Course id questions are scoped to")
	f.String("conversation-id", "", "Conversation id (generated when empty)")
	f.String("history-file", "", "JSON file with prior turns ([{role, content}])")
	f.Duration("capture-interval", d.CaptureInterval, "Microphone chunk interval")
	f.Duration("drain-delay", d.DrainDelay, "Delay before the end-of-stream marker")
	f.Bool("audio", d.Audio, "Play spoken answers")
	f.String("input-device", "", "ffmpeg input device (platform default when empty)")
	f.String("sqlite-path", d.SQLitePath, "SQLite transcript database (empty disables persistence)")
	f.Bool("redis-enabled", d.Redis.Enabled, "Use Redis Streams for the event bus")
	f.String("redis-addr", d.Redis.Addr, "Redis address host:port")
	f.String("redis-group", d.Redis.Group, "Redis consumer group prefix")
	f.String("redis-consumer", d.Redis.Consumer, "Redis consumer name")
	f.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
}

// redisFlags maps the nested redis keys to their flat flag names.
var redisFlags = map[string]string{
	"redis.enabled":  "redis-enabled",
	"redis.addr":     "redis-addr",
	"redis.group":    "redis-group",
	"redis.consumer": "redis-consumer",
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server-url", d.ServerURL)
	v.SetDefault("token", d.Token)
	v.SetDefault("context-id", d.ContextID)
	v.SetDefault("conversation-id", d.ConversationID)
	v.SetDefault("history-file", d.HistoryFile)
	v.SetDefault("capture-interval", d.CaptureInterval)
	v.SetDefault("drain-delay", d.DrainDelay)
	v.SetDefault("audio", d.Audio)
	v.SetDefault("input-device", d.InputDevice)
	v.SetDefault("sqlite-path", d.SQLitePath)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.group", d.Redis.Group)
	v.SetDefault("redis.consumer", d.Redis.Consumer)
}

// readConfigFile loads path into v. A missing file is not an error unless
// required is set.
func readConfigFile(v *viper.Viper, path string, required bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if !required && (os.IsNotExist(err) || errors.As(err, &notFound)) {
		return nil
	}
	return errors.Wrapf(err, "read config file %s", path)
}

// Load resolves the settings for cmd. Values are layered with viper: defaults,
// the YAML config file, MENTOR_* environment variables, then the flags the user
// set.
func Load(cmd *cobra.Command) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	path := DefaultConfigPath()
	required := false
	if f := cmd.Flags().Lookup("config"); f != nil {
		path = f.Value.String()
		required = f.Changed
	}
	if err := readConfigFile(v, path, required); err != nil {
		return Settings{}, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Settings{}, errors.Wrap(err, "bind flags")
	}
	for key, name := range redisFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Settings{}, errors.Wrapf(err, "bind flag %s", name)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	return s, nil
}

func (s Settings) Validate() error {
	u, err := url.Parse(strings.TrimSpace(s.ServerURL))
	if err != nil {
		return errors.Wrap(err, "server-url")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Errorf("server-url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server-url: missing host")
	}
	if s.CaptureInterval <= 0 {
		return errors.New("capture-interval must be positive")
	}
	if s.DrainDelay < 0 {
		return errors.New("drain-delay must not be negative")
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return errors.Wrap(err, "log-level")
	}
	return s.Redis.Validate()
}

// RequireSession checks the fields only an interactive session needs.
func (s Settings) RequireSession() error {
	if strings.TrimSpace(s.ContextID) == "" {
		return errors.New("context-id is required")
	}
	return nil
}

// WriteYAML writes s in the config file format, with the token masked.
func (s Settings) WriteYAML(w io.Writer) error {
	if s.Token != "" {
		s.Token = "***"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, "encode settings")
	}
	return errors.Wrap(enc.Close(), "encode settings")
}
