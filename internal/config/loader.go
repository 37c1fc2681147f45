package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fulfillment/pkg/log"
)

// EnvPrefix prefixes every environment override, e.g. FULFILLMENT_QUEUE_URL.
const EnvPrefix = "FULFILLMENT"

var (
	mu sync.RWMutex
	// GlobalConfig holds the global configuration instance
	GlobalConfig *Config
)

// Loader reads configuration for one service and can watch it for changes
type Loader struct {
	service string
	v       *viper.Viper
}

// NewLoader prepares viper for service. configPath may be empty, in which case
// config.yaml is searched in the usual places.
func NewLoader(service, configPath string) *Loader {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Failed to load .env file")
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath("/etc/fulfillment")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	return &Loader{service: service, v: v}
}

// bindEnvs registers every mapstructure key so Unmarshal sees env overrides
// for keys missing from the config file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			bindEnvs(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// Load reads the base file, then merges config.<service>.yaml and
// config.<env>.yaml from the same directory when present.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info("Config file not found, using defaults and environment variables")
	} else {
		log.Infof("Using config file: %s", l.v.ConfigFileUsed())
		dir := filepath.Dir(l.v.ConfigFileUsed())
		overlays := []string{fmt.Sprintf("config.%s.yaml", l.service)}
		if env := os.Getenv(EnvPrefix + "_ENV"); env != "" {
			overlays = append(overlays, fmt.Sprintf("config.%s.yaml", env))
		}
		for _, name := range overlays {
			if err := l.merge(filepath.Join(dir, name)); err != nil {
				return nil, err
			}
		}
	}

	config := &Config{}
	if err := l.v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Service.Name == "" {
		config.Service.Name = l.service
	}
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = config
	mu.Unlock()

	return config, nil
}

func (l *Loader) merge(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := l.v.MergeConfig(f); err != nil {
		return fmt.Errorf("failed to merge %s: %w", path, err)
	}
	log.Infof("Merged config overlay: %s", path)
	return nil
}

// Watch reloads the configuration whenever the file changes and passes the
// new value to callback. Invalid edits are logged and ignored.
func (l *Loader) Watch(callback func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		log.WithField("file", e.Name).Info("Config file changed")
		cfg, err := l.Load()
		if err != nil {
			log.WithError(err).Error("Failed to reload config")
			return
		}
		if callback != nil {
			callback(cfg)
		}
	})
	l.v.WatchConfig()
}

// LoadConfig loads configuration for service from configPath
func LoadConfig(service, configPath string) (*Config, error) {
	return NewLoader(service, configPath).Load()
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("Config not loaded. Call LoadConfig first.")
	}
	return GlobalConfig
}
