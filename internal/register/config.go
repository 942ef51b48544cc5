package register

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config tunes the registration engine. Pixel tolerances are expressed at
// the working pyramid level; the engine converts them to full-resolution
// units using the level scale actually selected.
type Config struct {
	MaxFeatures int     `yaml:"max_features"` // keypoint cap per patch
	MatchRatio  float64 `yaml:"match_ratio"`  // Lowe ratio for descriptor matching
	MinMatches  int     `yaml:"min_matches"`  // matches required to attempt a fit
	MinInliers  int     `yaml:"min_inliers"`  // inliers required to accept a fit
	Iterations  int     `yaml:"ransac_iterations"`
	TolerancePx float64 `yaml:"tolerance_px"` // inlier radius at the working level

	// CoarseScale is the target level scale for the first estimation pass;
	// RefineScale, when larger, triggers a second pass at a finer level
	// seeded by the coarse result. Set RefineScale to 0 to skip refinement.
	CoarseScale float64 `yaml:"coarse_scale"`
	RefineScale float64 `yaml:"refine_scale"`

	MinOverlap        float64 `yaml:"min_overlap"`         // fraction of the smaller fragment's bbox
	MinOverlapArea    float64 `yaml:"min_overlap_area"`    // absolute floor in full-res pixels
	MinConfidence     float64 `yaml:"min_confidence"`      // edge confidence below which the pair is rejected
	MaxScaleDeviation float64 `yaml:"max_scale_deviation"` // affine cross-check tolerance on |scale-1|

	Seed    int64 `yaml:"seed"` // base seed; each pair derives its own stream
	Workers int   `yaml:"workers"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the tuning used when no config file is supplied.
func DefaultConfig() Config {
	return Config{
		MaxFeatures:       500,
		MatchRatio:        0.8,
		MinMatches:        12,
		MinInliers:        8,
		Iterations:        2000,
		TolerancePx:       3.0,
		CoarseScale:       0.125,
		RefineScale:       0.5,
		MinOverlap:        0.02,
		MinOverlapArea:    4096,
		MinConfidence:     0.3,
		MaxScaleDeviation: 0.02,
		Seed:              1,
		Workers:           4,
	}
}

// LoadConfig reads a YAML config file over the defaults, so partial files
// only override the keys they mention.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
