package config

import (
	"errors"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Listen  string `toml:"listen"`
	DataDir string `toml:"data_dir"`
	Region  string `toml:"region"`

	// MaxKeys caps listing page sizes; it is also the default when a
	// request does not name one.
	MaxKeys int `toml:"max_keys"`

	// BatchDeleteLimit caps the number of keys in one batch delete.
	BatchDeleteLimit int `toml:"batch_delete_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:           ":8080",
		DataDir:          "./data",
		Region:           "us-east-1",
		MaxKeys:          1000,
		BatchDeleteLimit: 1000,
	}
}

// Load reads the TOML configuration at path. A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MaxKeys == 0 {
		c.MaxKeys = 1000
	}
	if c.BatchDeleteLimit == 0 {
		c.BatchDeleteLimit = 1000
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.MaxKeys < 0 {
		return errors.New("max_keys must be positive")
	}
	if c.BatchDeleteLimit < 0 {
		return errors.New("batch_delete_limit must be positive")
	}
	return nil
}
