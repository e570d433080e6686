package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"rabbitforce/pkg/errors"
)

// Load reads the configuration file, dispatching the parser on the file
// extension, and validates it statically.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".json":
		v.SetConfigType("json")
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		return nil, errors.ErrConfiguration.WithMessage(
			"unsupported config file extension %q, expected .json, .yaml or .yml",
			filepath.Ext(configFile))
	}
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.ErrConfiguration.
			WithMessage("failed to read config file %s", configFile).
			WithCause(err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ErrConfiguration.
			WithMessage("failed to unmarshal config").
			WithCause(err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
