package fitting

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/optimize"
	"gopkg.in/yaml.v3"
)

// Position-fit strategy names accepted in Config.Strategy.
const (
	StrategyNewton     = "newton"
	StrategyLBFGS      = "lbfgs"
	StrategyNelderMead = "neldermead"
)

// Config collects the tunables of the fit: bound windows, finite-difference
// step sizes, sky estimation, regularization weights, the outer-loop strategy
// and optimizer budgets.
type Config struct {
	PositionBound float64 `yaml:"positionBound"` // ± window (spaxels) for the single-epoch position fit
	MultiBound    float64 `yaml:"multiBound"`    // ± window (spaxels) for the joint position fit

	HessEPS float64 `yaml:"hessEps"` // forward-difference step (spaxels) for Hessian stencils
	FineEPS float64 `yaml:"fineEps"` // fine step for strategy gradients and the value+gradient pass

	SkyGuessPixels int     `yaml:"skyGuessPixels"` // lowest-pixel count for GuessSky
	ClipSigma      float64 `yaml:"clipSigma"`      // clipping limit for GuessSkyClipping
	ClipMaxIter    int     `yaml:"clipMaxIter"`

	// Regularization. RegScale multiplies the penalty exactly once; callers
	// wanting a per-epoch-equivalent weight set it explicitly.
	RegScale  float64 `yaml:"regScale"`
	MuSpatial float64 `yaml:"muSpatial"`
	MuWave    float64 `yaml:"muWave"`

	Strategy string `yaml:"strategy"`
	Workers  int    `yaml:"workers"`

	MaxIterations     int     `yaml:"maxIterations"`
	MaxFuncEvals      int     `yaml:"maxFuncEvals"`
	GradientThreshold float64 `yaml:"gradientThreshold"`
	FuncTolerance     float64 `yaml:"funcTolerance"`

	MQTT *MQTTConfig `yaml:"mqtt,omitempty"`
}

// MQTTConfig holds the optional progress-publishing broker settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	PublishPrefix string `yaml:"publishPrefix"`
	ClientID      string `yaml:"clientId"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given. The
// step sizes and bound windows match the values the fit was tuned with.
func DefaultConfig() *Config {
	return &Config{
		PositionBound:     3,
		MultiBound:        2,
		HessEPS:           0.02,
		FineEPS:           0.001,
		SkyGuessPixels:    10,
		ClipSigma:         3,
		ClipMaxIter:       10,
		RegScale:          1,
		MuSpatial:         0.05,
		MuWave:            0.05,
		Strategy:          StrategyNewton,
		Workers:           1,
		MaxIterations:     1000,
		MaxFuncEvals:      20000,
		GradientThreshold: 1e-6,
		FuncTolerance:     1e-10,
	}
}

// LoadConfig loads and validates a configuration from a YAML file. Fields
// left out of the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the fit cannot run with.
func (c *Config) Validate() error {
	if c.PositionBound <= 0 || c.MultiBound <= 0 {
		return fmt.Errorf("position bound windows must be positive")
	}
	if c.HessEPS <= 0 || c.FineEPS <= 0 {
		return fmt.Errorf("finite-difference steps must be positive")
	}
	if c.SkyGuessPixels <= 0 {
		return fmt.Errorf("skyGuessPixels must be positive")
	}
	if c.ClipSigma <= 0 || c.ClipMaxIter <= 0 {
		return fmt.Errorf("sigma-clipping parameters must be positive")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	switch c.Strategy {
	case "", StrategyNewton, StrategyLBFGS, StrategyNelderMead:
	default:
		return fmt.Errorf("unknown position strategy %q", c.Strategy)
	}
	if c.MQTT != nil && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is configured")
	}
	return nil
}

// settings assembles the gonum optimizer settings for one run.
func (c *Config) settings(rec optimize.Recorder) *optimize.Settings {
	return &optimize.Settings{
		MajorIterations:   c.MaxIterations,
		FuncEvaluations:   c.MaxFuncEvals,
		GradientThreshold: c.GradientThreshold,
		Recorder:          rec,
		Converger: &optimize.FunctionConverge{
			Absolute:   c.FuncTolerance,
			Iterations: 25,
		},
	}
}
