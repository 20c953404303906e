package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"yqhp/sim-engine/pkg/logger"
)

// Config represents the complete configuration for the simulation engine.
type Config struct {
	Run         RunConfig         `yaml:"run" toml:"run" env:"RUN_"`
	Distributed DistributedConfig `yaml:"distributed" toml:"distributed" env:"DIST_"`
	Sink        SinkConfig        `yaml:"sink" toml:"sink" env:"SINK_"`
	Status      StatusConfig      `yaml:"status" toml:"status" env:"STATUS_"`
	Logging     logger.Config     `yaml:"logging" toml:"logging" env:"LOG_"`
}

// RunConfig holds scheduling defaults.
type RunConfig struct {
	Strategy string        `yaml:"strategy" toml:"strategy" env:"STRATEGY"`
	Workers  int           `yaml:"workers" toml:"workers" env:"WORKERS"` // 0 means available parallelism
	InitWait time.Duration `yaml:"init_wait" toml:"init_wait" env:"INIT_WAIT"`
	Playlist string        `yaml:"playlist" toml:"playlist" env:"PLAYLIST"` // playlist file path
}

// DistributedConfig holds the coordinator/worker settings.
type DistributedConfig struct {
	Address           string        `yaml:"address" toml:"address" env:"ADDRESS"`
	DialTimeout       time.Duration `yaml:"dial_timeout" toml:"dial_timeout" env:"DIAL_TIMEOUT"`
	MaxFrameSize      int           `yaml:"max_frame_size" toml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	CompressThreshold int           `yaml:"compress_threshold" toml:"compress_threshold" env:"COMPRESS_THRESHOLD"`
	WorkerBinary      string        `yaml:"worker_binary" toml:"worker_binary" env:"WORKER_BINARY"` // empty means this executable
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SinkConfig selects the result store.
type SinkConfig struct {
	Driver   string `yaml:"driver" toml:"driver" env:"DRIVER"` // memory, sqlite
	Path     string `yaml:"path" toml:"path" env:"PATH"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size" env:"POOL_SIZE"`
}

// StatusConfig configures the HTTP status surface.
type StatusConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Address    string `yaml:"address" toml:"address" env:"ADDRESS"`
	EnableCORS bool   `yaml:"enable_cors" toml:"enable_cors" env:"ENABLE_CORS"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			Strategy: "concurrent",
			Workers:  0,
			InitWait: 10 * time.Second,
		},
		Distributed: DistributedConfig{
			Address:           "127.0.0.1:27182",
			DialTimeout:       10 * time.Second,
			MaxFrameSize:      64 * 1024 * 1024, // 64MB
			CompressThreshold: 16 * 1024,        // 16KB
			ShutdownTimeout:   10 * time.Second,
		},
		Sink: SinkConfig{
			Driver:   "memory",
			PoolSize: 2,
		},
		Status: StatusConfig{
			Enabled: false,
			Address: "127.0.0.1:8089",
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "SE_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML or TOML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets dotted-path overrides, e.g. "run.workers" -> "4".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // missing file means defaults
		}
		return err
	}
	return decode(l.configPath, data, cfg)
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse toml: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// applyEnvToStruct walks the struct. A nested struct's env tag is a
// prefix for its fields.
func (l *Loader) applyEnvToStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		envTag := fieldType.Tag.Get("env")

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field, prefix+envTag); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}

		name := prefix + envTag
		envValue, ok := os.LookupEnv(name)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("env %s -> %s: %w", name, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		want := strings.ReplaceAll(part, "_", "")
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, want)
		})
		if !field.IsValid() {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%s is %s, not a section", part, field.Kind())
		}
		v = field
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field is not settable")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
