package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration makes time.Duration readable in yaml ("5s", "250ms")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config tunes session behavior. The zero value of any field falls back to
// its default.
type Config struct {
	// MaxFrameSize caps a single transport frame in bytes
	MaxFrameSize uint64 `yaml:"maxFrameSize"`
	// WarnFrameSize logs a warning for frames above this size
	WarnFrameSize uint64 `yaml:"warnFrameSize"`
	// TerminateTimeout bounds the graceful-exit wait before SIGKILL
	TerminateTimeout Duration `yaml:"terminateTimeout"`
	// ForkserverStderr collects forkserver stderr for diagnostics
	ForkserverStderr bool `yaml:"forkserverStderr"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		TerminateTimeout: Duration(3 * time.Second),
	}
}

// LoadConfig reads a yaml config file on top of the defaults. Unknown keys
// are rejected.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := DefaultConfig()
	if err := unmarshalStrict(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func unmarshalStrict(b []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err := dec.Decode(v)
	if err == io.EOF {
		// empty file keeps the defaults
		return nil
	}
	return err
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := DefaultConfig()
	if out.TerminateTimeout == 0 {
		out.TerminateTimeout = def.TerminateTimeout
	}
	return &out
}
