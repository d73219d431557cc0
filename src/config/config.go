// Package config loads the BundleForge build configuration from
// .bundleforge.yml, with BUNDLEFORGE_* environment overrides layered on
// top through viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// keyReplacer maps "image.base_image" to BUNDLEFORGE_IMAGE_BASE_IMAGE.
var keyReplacer = strings.NewReplacer(".", "_")

const defaultConfigFile = ".bundleforge.yml"

// EnvPrefix is the environment override namespace
// (e.g. BUNDLEFORGE_IMAGE_NAME overrides image.name).
const EnvPrefix = "BUNDLEFORGE"

// Config is the top-level BundleForge configuration.
type Config struct {
	Sources  SourcesConfig  `mapstructure:"sources" yaml:"sources"`
	Image    ImageConfig    `mapstructure:"image" yaml:"image"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Synth    SynthConfig    `mapstructure:"synth" yaml:"synth"`
}

// SourcesConfig names the module source roots to discover under.
type SourcesConfig struct {
	// Roots are directories whose tools/ and connectors/ subtrees hold
	// module descriptors. Defaults to the working directory.
	Roots []string `mapstructure:"roots" yaml:"roots"`
}

// ImageConfig describes the output image.
type ImageConfig struct {
	Name      string            `mapstructure:"name" yaml:"name"`
	Tags      []string          `mapstructure:"tags" yaml:"tags"` // tag templates, resolved via gitver
	BaseImage string            `mapstructure:"base_image" yaml:"base_image"`
	Labels    map[string]string `mapstructure:"labels" yaml:"labels"`
	Engine    string            `mapstructure:"engine" yaml:"engine"`
}

// PipelineConfig controls checkpointing and retention.
type PipelineConfig struct {
	// StateDir holds checkpoints, artifacts, staged contexts, and locks.
	StateDir         string `mapstructure:"state_dir" yaml:"state_dir"`
	RetainContext    bool   `mapstructure:"retain_context" yaml:"retain_context"`
	RetainCheckpoint bool   `mapstructure:"retain_checkpoint" yaml:"retain_checkpoint"`
	// ProgressFile receives the JSONL progress event stream. Empty means
	// stdout.
	ProgressFile string `mapstructure:"progress_file" yaml:"progress_file"`
}

// SynthConfig selects the runtime environment baked into the image config.
type SynthConfig struct {
	Environment string            `mapstructure:"environment" yaml:"environment"`
	LogLevel    string            `mapstructure:"log_level" yaml:"log_level"`
	Variables   map[string]string `mapstructure:"variables" yaml:"variables"`
}

// Load reads configuration from a YAML file plus environment overrides.
// If path is empty, the default file is tried; a missing file yields the
// defaults rather than an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(keyReplacer)

	setDefaults(v)

	explicit := path != ""
	if path == "" {
		path = defaultConfigFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		missing := errors.Is(err, fs.ErrNotExist)
		if missing && !explicit {
			// Default file absent: defaults + env only.
		} else {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources.roots", []string{"."})
	// Keys without a meaningful default still need registering so
	// AutomaticEnv surfaces them through Unmarshal.
	v.SetDefault("image.name", "")
	v.SetDefault("image.tags", []string{"{version}", "latest"})
	v.SetDefault("image.base_image", "python:3.12-slim")
	v.SetDefault("image.engine", "docker")
	v.SetDefault("pipeline.state_dir", defaultStateDir())
	v.SetDefault("synth.environment", "production")
	v.SetDefault("synth.log_level", "info")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "bundleforge")
	}
	return filepath.Join(home, ".bundleforge")
}
