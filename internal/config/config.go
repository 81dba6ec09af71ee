package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/fxnlabs/sgemm-bench/internal/logger"
	"github.com/fxnlabs/sgemm-bench/internal/verify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Positional argument ranges. Values outside a range fall back to its default.
const (
	DefaultThread64 = 80
	MaxThread64     = 80
	DefaultRepeat   = 1
	MaxRepeat       = 1000
	MaxPrintVars    = 100
)

// TileUnit is the matrix dimension contributed by one unit of thread64.
const TileUnit = 64

type Config struct {
	Logger logger.Config `yaml:"logger"`
	Device struct {
		// Driver is auto, host or cuda.
		Driver          string `yaml:"driver"`
		MinComputeMajor int    `yaml:"minComputeMajor"`
	} `yaml:"device"`
	Host struct {
		MemoryLimit int64 `yaml:"memoryLimit"`
		Workers     int   `yaml:"workers"`
		QueueDepth  int   `yaml:"queueDepth"`
	} `yaml:"host"`
	Kernel struct {
		Module   string   `yaml:"module"`
		Variants []string `yaml:"variants"`
	} `yaml:"kernel"`
	Run struct {
		Thread64  int    `yaml:"thread64"`
		Repeat    int    `yaml:"repeat"`
		// PrintVars is the number of diagnostic words each thread writes. Zero disables tracing.
		PrintVars int    `yaml:"printVars"`
		Seed      uint64 `yaml:"seed"`
		Fill      string `yaml:"fill"`
	} `yaml:"run"`
	Oracle struct {
		WarmupRuns  int      `yaml:"warmupRuns"`
		ProfilerEnv []string `yaml:"profilerEnv"`

		// CompareReference prints the reference throughput next to the candidate's.
		CompareReference bool `yaml:"compareReference"`
	} `yaml:"oracle"`
	Verify struct {
		DiffFile   string           `yaml:"diffFile"`
		MaxReportN int              `yaml:"maxReportN"`
		Tolerance  verify.Tolerance `yaml:"tolerance"`
	} `yaml:"verify"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Device.Driver = "auto"
	c.Device.MinComputeMajor = 5
	c.Kernel.Module = "sgemm.cubin"
	c.Kernel.Variants = []string{"128"}
	c.Run.Thread64 = DefaultThread64
	c.Run.Repeat = DefaultRepeat
	c.Run.Seed = 1
	c.Run.Fill = "uniform"
	c.Oracle.WarmupRuns = 3
	c.Oracle.ProfilerEnv = []string{"NSIGHT_LAUNCHED"}
	c.Verify.DiffFile = "data.txt"
	c.Verify.MaxReportN = verify.MaxReportN
	return &c
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return config, nil
}

// Validate rejects settings no run can use.
func (c *Config) Validate() error {
	if c.Kernel.Module == "" {
		return errors.New("kernel.module is empty")
	}
	if len(c.Kernel.Variants) == 0 {
		return errors.New("kernel.variants is empty")
	}
	if c.Oracle.WarmupRuns < 0 {
		return fmt.Errorf("oracle.warmupRuns is negative: %d", c.Oracle.WarmupRuns)
	}
	if c.Verify.Tolerance.Abs < 0 || c.Verify.Tolerance.Rel < 0 {
		return errors.New("verify.tolerance must not be negative")
	}
	c.Run.Thread64 = clamp(c.Run.Thread64, 1, MaxThread64, DefaultThread64)
	c.Run.Repeat = clamp(c.Run.Repeat, 1, MaxRepeat, DefaultRepeat)
	c.Run.PrintVars = clamp(c.Run.PrintVars, 1, MaxPrintVars, 0)
	return nil
}

// N is the matrix dimension of the run.
func (c *Config) N() int {
	return c.Run.Thread64 * TileUnit
}

// ApplyArgs sets thread64, repeat and printVars from positional arguments. An argument that is
// not a number or is out of range selects the default.
func (c *Config) ApplyArgs(args []string) {
	if len(args) > 0 {
		c.Run.Thread64 = clamp(atoi(args[0]), 1, MaxThread64, DefaultThread64)
	}
	if len(args) > 1 {
		c.Run.Repeat = clamp(atoi(args[1]), 1, MaxRepeat, DefaultRepeat)
	}
	if len(args) > 2 {
		c.Run.PrintVars = clamp(atoi(args[2]), 1, MaxPrintVars, 0)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func clamp(v, lo, hi, def int) int {
	if v < lo || v > hi {
		return def
	}
	return v
}

// LoadEnvFile exports the variables of a dotenv file without overriding the environment. A
// missing file is ignored unless required is set.
func LoadEnvFile(path string, required bool) error {
	err := godotenv.Load(path)
	if err != nil && !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
