// Package config loads and validates the renderer's TOML configuration.
// Values resolve in three layers: built-in defaults, then the config
// file, then command line flags.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable of a transfer run.
type Config struct {
	// Devices lists the compute device per worker process; -1 is CPU.
	Devices []int `toml:"devices"`
	// Threads is the total CPU thread budget shared by active workers.
	// Zero leaves each worker at its own default.
	Threads int `toml:"threads"`
	// Network selects the registered network backend.
	Network string `toml:"network"`
	// WorkerBinary is the worker executable; resolved on PATH when
	// relative.
	WorkerBinary string `toml:"worker_binary"`

	Size       int   `toml:"size"`
	MinSize    int   `toml:"min_size"`
	TileSize   int   `toml:"tile_size"`
	Iterations []int `toml:"iterations"`

	StepSize  float32 `toml:"step_size"`
	AvgWindow float32 `toml:"avg_window"`

	ContentWeight float32 `toml:"content_weight"`
	DDWeight      float32 `toml:"dd_weight"`
	TVWeight      float32 `toml:"tv_weight"`
	TVPower       float32 `toml:"tv_power"`
	PWeight       float32 `toml:"p_weight"`
	PPower        float32 `toml:"p_power"`
	AuxWeight     float32 `toml:"aux_weight"`

	StyleScale   float64 `toml:"style_scale"`
	StyleScaleUp bool    `toml:"style_scale_up"`

	FeaturePasses int `toml:"feature_passes"`

	ContentLayers []string           `toml:"content_layers"`
	StyleLayers   []string           `toml:"style_layers"`
	DDLayers      []string           `toml:"dd_layers"`
	LayerWeights  map[string]float32 `toml:"layer_weights"`

	// Mean is the per-channel BGR mean subtracted in model space.
	Mean []float32 `toml:"mean"`

	Seed      int64 `toml:"seed"`
	SaveEvery int   `toml:"save_every"`

	PreviewAddr string   `toml:"preview_addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Devices:       []int{-1},
		Network:       "pyramid",
		WorkerBinary:  "styleworker",
		Size:          256,
		MinSize:       182,
		TileSize:      512,
		Iterations:    []int{200, 100},
		StepSize:      15,
		AvgWindow:     20,
		ContentWeight: 0.05,
		TVWeight:      1,
		TVPower:       2,
		PWeight:       0.05,
		PPower:        6,
		AuxWeight:     1,
		StyleScale:    1,
		FeaturePasses: 10,
		ContentLayers: []string{"pool2"},
		StyleLayers:   []string{"pool1", "pool2", "pool3"},
		Mean:          []float32{103.939, 116.779, 123.68},
		PreviewAddr:   ":8000",
		CorsOrigins:   []string{"http://localhost:3000"},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are an error
// so typos fail loudly instead of silently using a default.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the pipeline depends on.
func Validate(cfg Config) error {
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("devices must list at least one device")
	}
	if cfg.Threads < 0 {
		return fmt.Errorf("threads must be non-negative")
	}
	if strings.TrimSpace(cfg.Network) == "" {
		return fmt.Errorf("network is required")
	}
	if strings.TrimSpace(cfg.WorkerBinary) == "" {
		return fmt.Errorf("worker_binary is required")
	}
	if cfg.Size < 1 || cfg.MinSize < 1 {
		return fmt.Errorf("size and min_size must be positive")
	}
	if cfg.MinSize > cfg.Size {
		return fmt.Errorf("min_size %d exceeds size %d", cfg.MinSize, cfg.Size)
	}
	if cfg.TileSize < 1 {
		return fmt.Errorf("tile_size must be positive")
	}
	if len(cfg.Iterations) == 0 {
		return fmt.Errorf("iterations must list at least one entry")
	}
	for i, n := range cfg.Iterations {
		if n < 1 {
			return fmt.Errorf("iterations[%d] must be positive", i)
		}
	}
	if cfg.StepSize <= 0 {
		return fmt.Errorf("step_size must be positive")
	}
	if cfg.AvgWindow < 1 {
		return fmt.Errorf("avg_window must be at least 1")
	}
	if cfg.FeaturePasses < 1 {
		return fmt.Errorf("feature_passes must be at least 1")
	}
	if len(cfg.Mean) != 3 {
		return fmt.Errorf("mean must have exactly 3 channels")
	}
	if len(cfg.ContentLayers) == 0 && len(cfg.StyleLayers) == 0 {
		return fmt.Errorf("at least one content or style layer is required")
	}
	return nil
}

// MeanBGR returns the mean as a fixed-size array after validation.
func (c Config) MeanBGR() [3]float32 {
	return [3]float32{c.Mean[0], c.Mean[1], c.Mean[2]}
}
