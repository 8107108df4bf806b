package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/fastfilestats/ffs"

	"github.com/spf13/viper"
)

// Config stores all configuration of the writer process.
// The values are read by viper from a config file or environment variables.
type Config struct {
	FFS FFSConfig `mapstructure:"ffs"`
}

// FFSConfig stores the index writer configuration.
type FFSConfig struct {
	// Root is the enumeration root of the monitored tree.
	Root string `mapstructure:"root"`

	Region  RegionConfig  `mapstructure:"region"`
	Watcher WatcherConfig `mapstructure:"watcher"`

	// ExcludePatterns are gitignore-style patterns skipped by the
	// initial sweep.
	ExcludePatterns []string `mapstructure:"excludePatterns"`
}

// RegionConfig stores shared-region parameters.
type RegionConfig struct {
	// Name overrides the derived region name.
	Name string `mapstructure:"name"`

	// Dir is the directory holding named region objects.
	Dir string `mapstructure:"dir"`

	// MaxSize is the fixed region capacity in bytes.
	MaxSize uint32 `mapstructure:"maxSize"`
}

// WatcherConfig stores change-notification parameters.
type WatcherConfig struct {
	DebounceMillis    int  `mapstructure:"debounceMillis"`
	MaxDebounceMillis int  `mapstructure:"maxDebounceMillis"`
	BatchSize         int  `mapstructure:"batchSize"`
	QueueCapacity     int  `mapstructure:"queueCapacity"`
	FilterName        bool `mapstructure:"filterName"`
	FilterLastWrite   bool `mapstructure:"filterLastWrite"`
	FilterCreation    bool `mapstructure:"filterCreation"`
	FilterSize        bool `mapstructure:"filterSize"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("ffs.root", ".")
	viper.SetDefault("ffs.region.dir", internal.DefaultRegionDir)
	viper.SetDefault("ffs.region.maxSize", internal.DefaultMaxRegionSize)
	viper.SetDefault("ffs.watcher.debounceMillis", 100)
	viper.SetDefault("ffs.watcher.maxDebounceMillis", 2000)
	viper.SetDefault("ffs.watcher.batchSize", 100)
	viper.SetDefault("ffs.watcher.queueCapacity", 1000)
	viper.SetDefault("ffs.watcher.filterName", true)
	viper.SetDefault("ffs.watcher.filterLastWrite", true)
	viper.SetDefault("ffs.watcher.filterCreation", true)
	viper.SetDefault("ffs.watcher.filterSize", true)

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment are enough.
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}

// RegionName resolves the configured or derived region name for a root.
func (c *FFSConfig) RegionName(root string) string {
	if c.Region.Name != "" {
		return c.Region.Name
	}
	return internal.RegionName(root)
}
