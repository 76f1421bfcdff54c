// Package config loads the agent configuration.
//
// Sources, lowest precedence first: built-in defaults, the persisted node
// file (local.yaml in the work directory), PRIMELOOP_* environment
// variables, and explicitly supplied command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pbnjay/memory"
	"github.com/spf13/viper"

	"github.com/3leaps/primeloop/pkg/fetchplan"
	"github.com/3leaps/primeloop/pkg/primenet"
)

const (
	// FileName is the persisted node file inside the work directory.
	FileName = "local.yaml"

	// EnvPrefix prefixes environment overrides, e.g. PRIMELOOP_NUM_CACHE.
	EnvPrefix = "PRIMELOOP"
)

// Work directory files shared with the computation engine.
const (
	WorkToDoFile    = "worktodo.ini"
	ResultsFile     = "results.txt"
	ResultsSentFile = "results_sent.txt"
)

// Node holds the settings persisted in local.yaml.
type Node struct {
	GUID         string `mapstructure:"guid" yaml:"guid,omitempty" json:"guid,omitempty"`
	Username     string `mapstructure:"username" yaml:"username,omitempty" json:"username"`
	Password     string `mapstructure:"password" yaml:"password,omitempty" json:"password"`
	WorkType     string `mapstructure:"worktype" yaml:"worktype,omitempty" json:"worktype"`
	NumCache     int    `mapstructure:"num_cache" yaml:"num_cache,omitempty" json:"num_cache"`
	PercentLimit int    `mapstructure:"percent_limit" yaml:"percent_limit,omitempty" json:"percent_limit"`
	Hostname     string `mapstructure:"hostname" yaml:"hostname,omitempty" json:"hostname"`
	CPUModel     string `mapstructure:"cpu_model" yaml:"cpu_model,omitempty" json:"cpu_model"`
	Features     string `mapstructure:"features" yaml:"features,omitempty" json:"features"`
	Frequency    int    `mapstructure:"frequency" yaml:"frequency,omitempty" json:"frequency"`
	Memory       int    `mapstructure:"memory" yaml:"memory,omitempty" json:"memory"`
	L1           int    `mapstructure:"l1" yaml:"l1,omitempty" json:"l1"`
	L2           int    `mapstructure:"l2" yaml:"l2,omitempty" json:"l2"`
	NP           int    `mapstructure:"np" yaml:"np,omitempty" json:"np"`
}

// PersistedKeys lists the keys of Node. Only these are written back to
// local.yaml.
var PersistedKeys = []string{
	"guid", "username", "password", "worktype", "num_cache", "percent_limit",
	"hostname", "cpu_model", "features", "frequency", "memory", "l1", "l2", "np",
}

// Config is the effective agent configuration.
type Config struct {
	Node `mapstructure:",squash"`

	// Timeout is the pause between cycles. Zero runs a single cycle.
	Timeout time.Duration `mapstructure:"timeout"`

	// StatusAddr enables the status server when set (e.g. 127.0.0.1:8177).
	StatusAddr string `mapstructure:"status_addr"`

	// RateLimit caps outbound requests per second. Zero is unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`

	APIURL  string `mapstructure:"api_url"`
	BaseURL string `mapstructure:"base_url"`

	workDir   string
	overrides map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("guid", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("worktype", "101")
	v.SetDefault("num_cache", 2)
	v.SetDefault("percent_limit", 90)
	v.SetDefault("hostname", "")
	v.SetDefault("cpu_model", "unknown.unknown")
	v.SetDefault("features", "")
	v.SetDefault("frequency", 100)
	v.SetDefault("memory", detectMemoryMiB())
	v.SetDefault("l1", 8)
	v.SetDefault("l2", 512)
	v.SetDefault("np", 1)

	v.SetDefault("timeout", 21600)
	v.SetDefault("status_addr", "")
	v.SetDefault("rate_limit", 2.0)
	v.SetDefault("api_url", primenet.DefaultAPIURL)
	v.SetDefault("base_url", primenet.DefaultBaseURL)
}

// Load builds the configuration for workDir. overrides holds explicitly
// supplied flag values keyed like the config file; persisted keys among
// them are also written back to local.yaml by Persist.
func Load(workDir string, overrides map[string]any) (*Config, error) {
	if strings.TrimSpace(workDir) == "" {
		workDir = "."
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path := filepath.Join(workDir, FileName)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	// Explicit flags beat the environment.
	for key, value := range overrides {
		v.Set(key, value)
	}

	cfg := &Config{workDir: workDir, overrides: overrides}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// detectMemoryMiB returns the installed memory in MiB, or 0 when the
// platform does not report it.
func detectMemoryMiB() int {
	return int(memory.TotalMemory() >> 20)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// secondsToDurationHook reads bare numbers as seconds, which is how the
// timeout is given on the command line and in the environment.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return time.Duration(n) * time.Second, nil
			}
		}
		return data, nil
	}
}

// WorkDir returns the directory holding the queue, results and node files.
func (c *Config) WorkDir() string {
	return c.workDir
}

// Path joins name onto the work directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.workDir, name)
}

// Hardware returns the registration attributes.
func (c *Config) Hardware() primenet.Hardware {
	return primenet.Hardware{
		Username:  c.Username,
		Hostname:  c.Hostname,
		CPUModel:  c.CPUModel,
		Features:  c.Features,
		Frequency: c.Frequency,
		Memory:    c.Memory,
		L1:        c.L1,
		L2:        c.L2,
		NumCores:  c.NP,
	}
}

// Policy returns the cache sizing policy.
func (c *Config) Policy() fetchplan.Policy {
	return fetchplan.Policy{
		NumCache:     c.NumCache,
		PercentLimit: c.PercentLimit,
		Timeout:      c.Timeout,
	}
}

// PreferredWorkType parses the worktype setting.
func (c *Config) PreferredWorkType() (primenet.WorkType, error) {
	return primenet.ParseWorkType(c.WorkType)
}
