package eventbus

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds the bus transport configuration. Without Redis the bus runs
// in memory.
type Settings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Group    string `yaml:"group" mapstructure:"group"`
	Consumer string `yaml:"consumer" mapstructure:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "mentor-ui",
		Consumer: "ui-1",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when redis is enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis: consumer group is required when redis is enabled")
	}
	if strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis: consumer name is required when redis is enabled")
	}
	return nil
}
