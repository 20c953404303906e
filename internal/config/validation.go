package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateRun(&cfg.Run)
	v.validateDistributed(&cfg.Distributed)
	v.validateSink(&cfg.Sink)
	v.validateStatus(&cfg.Status)
	v.validateLogging(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateRun(cfg *RunConfig) {
	switch cfg.Strategy {
	case "sync", "concurrent", "distributed":
	default:
		v.addError("run.strategy", fmt.Sprintf("invalid strategy '%s', must be one of: sync, concurrent, distributed", cfg.Strategy))
	}
	if cfg.Workers < 0 {
		v.addError("run.workers", "workers must be non-negative")
	}
	if cfg.InitWait < 0 {
		v.addError("run.init_wait", "init_wait must be non-negative")
	}
}

func (v *Validator) validateDistributed(cfg *DistributedConfig) {
	if !isValidAddress(cfg.Address) {
		v.addError("distributed.address", "invalid address format, expected host:port")
	}
	if cfg.MaxFrameSize <= 0 {
		v.addError("distributed.max_frame_size", "must be positive")
	}
	if cfg.CompressThreshold < 0 {
		v.addError("distributed.compress_threshold", "must be non-negative")
	}
	if cfg.DialTimeout <= 0 {
		v.addError("distributed.dial_timeout", "must be positive")
	}
}

func (v *Validator) validateSink(cfg *SinkConfig) {
	switch cfg.Driver {
	case "memory":
	case "sqlite":
		if cfg.Path == "" {
			v.addError("sink.path", "path is required for the sqlite driver")
		}
	default:
		v.addError("sink.driver", fmt.Sprintf("invalid driver '%s', must be one of: memory, sqlite", cfg.Driver))
	}
	if cfg.PoolSize < 1 {
		v.addError("sink.pool_size", "must be at least 1")
	}
}

func (v *Validator) validateStatus(cfg *StatusConfig) {
	if cfg.Enabled && !isValidAddress(cfg.Address) {
		v.addError("status.address", "invalid address format, expected host:port or :port")
	}
}

func (v *Validator) validateLogging(cfg *Config) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s'", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "console", "json":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: console, json", cfg.Logging.Format))
	}
	switch cfg.Logging.Output {
	case "", "stdout", "stderr":
	case "file", "both":
		if cfg.Logging.FilePath == "" {
			v.addError("logging.file_path", "file_path is required when output includes file")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s'", cfg.Logging.Output))
	}
}

// isValidAddress checks if the address is a valid host:port or :port.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil && !isValidHostname(host) {
		return false
	}
	return true
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
