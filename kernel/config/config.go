// Package config loads node configuration from YAML with DSPAF_ environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DSPAF_"

type Config struct {
	Core         CoreConfig         `yaml:"core"`
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	Ring         RingConfig         `yaml:"ring"`
	Pools        PoolsConfig        `yaml:"pools"`
	Registry     RegistryConfig     `yaml:"registry"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Link         LinkConfig         `yaml:"link"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// CoreConfig places the shared pool in each side's local address space.
type CoreConfig struct {
	NodeID  string `yaml:"node_id"`
	APBase  uint32 `yaml:"ap_base"`
	DSPBase uint32 `yaml:"dsp_base"`
}

type SharedMemoryConfig struct {
	// Path of the backing file. Empty keeps the region in process memory.
	Path     string `yaml:"path"`
	PoolSize uint32 `yaml:"pool_size"`
	Create   bool   `yaml:"create"`
}

type RingConfig struct {
	Capacity uint32 `yaml:"capacity"`
}

type PoolsConfig struct {
	Messages    int    `yaml:"messages"`
	Granularity uint32 `yaml:"granularity"`
}

type RegistryConfig struct {
	Clients     int    `yaml:"clients"`
	Ports       int    `yaml:"ports"`
	FrameSize   uint32 `yaml:"frame_size"`
	Buffered    bool   `yaml:"buffered"`
	MixerInputs int    `yaml:"mixer_inputs"`
}

type SchedulerConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type LinkConfig struct {
	Listen string `yaml:"listen"`
	URL    string `yaml:"url"`
}

type ProxyConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	CompletionDepth  int           `yaml:"completion_depth"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

func Default() *Config {
	return &Config{
		Core: CoreConfig{
			NodeID:  "dsp-" + utils.ShortID(),
			APBase:  0x1000_0000,
			DSPBase: 0x2000_0000,
		},
		SharedMemory: SharedMemoryConfig{
			Path:     "/dev/shm/dspaf",
			PoolSize: 1 << 20,
			Create:   true,
		},
		Ring:  RingConfig{Capacity: 64},
		Pools: PoolsConfig{Messages: 256, Granularity: 32},
		Registry: RegistryConfig{
			Clients:     foundation.MaxClients,
			Ports:       foundation.MaxPorts,
			FrameSize:   1024,
			MixerInputs: 2,
		},
		Scheduler: SchedulerConfig{IdleTimeout: 10 * time.Millisecond},
		Link: LinkConfig{
			Listen: "127.0.0.1:7070",
			URL:    "ws://127.0.0.1:7070/link",
		},
		Proxy: ProxyConfig{
			Timeout:          2 * time.Second,
			BreakerThreshold: 3,
			BreakerCooldown:  5 * time.Second,
			CompletionDepth:  64,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Listen: "127.0.0.1:9090", Namespace: "dspaf"},
	}
}

// Load reads path over the defaults, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DSPAF_ variables.
func (c *Config) ApplyEnv() error {
	var err error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	u32 := func(name string, dst *uint32) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, perr := strconv.ParseUint(v, 0, 32)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, name, perr))
				return
			}
			*dst = uint32(n)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, name, perr))
				return
			}
			*dst = d
		}
	}

	str("NODE_ID", &c.Core.NodeID)
	str("SHM_PATH", &c.SharedMemory.Path)
	u32("POOL_SIZE", &c.SharedMemory.PoolSize)
	u32("RING_CAPACITY", &c.Ring.Capacity)
	dur("IDLE_TIMEOUT", &c.Scheduler.IdleTimeout)
	str("LINK_LISTEN", &c.Link.Listen)
	str("LINK_URL", &c.Link.URL)
	dur("PROXY_TIMEOUT", &c.Proxy.Timeout)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("METRICS_LISTEN", &c.Metrics.Listen)
	return err
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}
	pow2 := func(v uint32) bool { return v != 0 && v&(v-1) == 0 }

	check(pow2(c.Ring.Capacity), "ring.capacity %d must be a power of two", c.Ring.Capacity)
	check(c.Ring.Capacity <= 1<<15, "ring.capacity %d exceeds 32768", c.Ring.Capacity)
	check(c.SharedMemory.PoolSize > 0, "shared_memory.pool_size must be positive")
	check(c.Pools.Messages > 0, "pools.messages must be positive")
	check(pow2(c.Pools.Granularity) && c.Pools.Granularity >= 8, "pools.granularity %d must be a power of two >= 8", c.Pools.Granularity)
	check(c.Registry.Clients > 0 && c.Registry.Clients <= foundation.MaxClients,
		"registry.clients %d must be in 1..%d", c.Registry.Clients, foundation.MaxClients)
	check(c.Registry.Ports > 0 && c.Registry.Ports <= foundation.MaxPorts,
		"registry.ports %d must be in 1..%d", c.Registry.Ports, foundation.MaxPorts)
	check(c.Registry.MixerInputs > 0 && c.Registry.MixerInputs < c.Registry.Ports,
		"registry.mixer_inputs %d must leave an output port", c.Registry.MixerInputs)
	check(c.Scheduler.IdleTimeout > 0, "scheduler.idle_timeout must be positive")
	check(c.Proxy.Timeout > 0, "proxy.timeout must be positive")
	check(c.Proxy.CompletionDepth > 0, "proxy.completion_depth must be positive")
	check(c.Core.APBase != 0 && c.Core.DSPBase != 0, "core bases must be non-zero")
	check(uint64(c.Core.APBase)+uint64(c.SharedMemory.PoolSize) <= 1<<32, "core.ap_base leaves no room for the pool")
	check(uint64(c.Core.DSPBase)+uint64(c.SharedMemory.PoolSize) <= 1<<32, "core.dsp_base leaves no room for the pool")
	if _, perr := utils.ParseLevel(c.Log.Level); perr != nil {
		err = multierr.Append(err, perr)
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q must be text or json", c.Log.Format)
	return err
}

// Logger builds the process-wide logger settings.
func (c *Config) Logger() utils.LoggerConfig {
	level, _ := utils.ParseLevel(c.Log.Level)
	return utils.LoggerConfig{
		Level:  level,
		Output: os.Stderr,
		JSON:   c.Log.Format == "json",
	}
}
