package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MFQ_NCPU=4.
const EnvPrefix = "MFQ"

// Load reads the config file at path, if any, applies MFQ_* environment
// overrides, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*KernelConfig, error) {
	v := viper.New()
	for key, value := range DefaultKernelConfig().ToMap() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	c := DefaultKernelConfig()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
