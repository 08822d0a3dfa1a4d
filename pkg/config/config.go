// Package config holds the run configuration of a conversion: which variant is
// converted, at which input size and opset, where every artifact lives, and how
// long each stage may take.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zerfoo/zdepth/pkg/faults"
)

// Strategy is the exporter strategy preference.
type Strategy string

const (
	// StrategyAuto pins the legacy tracer by argument and falls back to the
	// environment switch once if the argument is not understood.
	StrategyAuto Strategy = "auto"
	// StrategyLegacyFlag only pins the legacy tracer by argument.
	StrategyLegacyFlag Strategy = "legacy-flag"
	// StrategyLegacyEnv only uses the environment switch.
	StrategyLegacyEnv Strategy = "legacy-env"
)

// OpsPolicy controls which operator sets the mobile compiler may use.
type OpsPolicy string

const (
	OpsAuto     OpsPolicy = "auto"
	OpsBuiltins OpsPolicy = "builtins"
	OpsSelect   OpsPolicy = "select"
)

// Config is the full run configuration.
type Config struct {
	Variant    string   `yaml:"variant"`
	InputSize  int      `yaml:"input_size"`
	Opset      int      `yaml:"opset"`
	InputName  string   `yaml:"input_name"`
	OutputName string   `yaml:"output_name"`
	Strategy   Strategy `yaml:"strategy"`

	Paths     Paths           `yaml:"paths"`
	Source    SourceConfig    `yaml:"source"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Smoke     SmokeConfig     `yaml:"smoke"`
	Timeouts  Timeouts        `yaml:"timeouts"`
}

// Paths are the on-disk locations a run reads and writes.
type Paths struct {
	Weights     string `yaml:"weights"`
	SourceDir   string `yaml:"source_dir"`
	Interchange string `yaml:"interchange"`
	Output      string `yaml:"output"`
	WorkDir     string `yaml:"work_dir"`
}

// SourceConfig pins the architecture definition repository.
type SourceConfig struct {
	Repo string `yaml:"repo"`
	Ref  string `yaml:"ref"`
}

// ToolchainConfig configures the Python toolchain bridge.
type ToolchainConfig struct {
	Python string `yaml:"python"`
}

// TranscodeConfig configures the mobile compiler.
type TranscodeConfig struct {
	Ops         OpsPolicy `yaml:"ops"`
	Optimize    bool      `yaml:"optimize"`
	Float16     bool      `yaml:"float16"`
	SkipOpCheck bool      `yaml:"skip_op_check"`
}

// SmokeConfig configures the inference smoke test.
type SmokeConfig struct {
	Seed uint64 `yaml:"seed"`
	Skip bool   `yaml:"skip"`
}

// Timeouts bound each pipeline stage.
type Timeouts struct {
	Load      time.Duration `yaml:"load"`
	Export    time.Duration `yaml:"export"`
	Validate  time.Duration `yaml:"validate"`
	Transcode time.Duration `yaml:"transcode"`
	Smoke     time.Duration `yaml:"smoke"`
}

// Default returns the configuration of the Depth Anything V2 small model at
// 252x252, opset 17. Variant-derived fields are left empty until Resolve.
func Default() *Config {
	return &Config{
		Variant:   "vits",
		InputName: "input",
		Strategy:  StrategyAuto,
		Paths: Paths{
			WorkDir: ".zdepth",
		},
		Source:    SourceConfig{Ref: "main"},
		Toolchain: ToolchainConfig{Python: "python3"},
		Transcode: TranscodeConfig{Ops: OpsAuto, Optimize: true},
		Smoke:     SmokeConfig{Seed: 42},
		Timeouts: Timeouts{
			Load:      5 * time.Minute,
			Export:    30 * time.Minute,
			Validate:  2 * time.Minute,
			Transcode: time.Hour,
			Smoke:     5 * time.Minute,
		},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, faults.Wrap(faults.InvalidConfiguration, err, "failed to parse config file %s", path)
	}
	return cfg, nil
}

// Resolve fills fields left empty with the values derived from the variant.
// Unknown variants are left for Validate to report.
func (c *Config) Resolve() {
	v, ok := LookupVariant(c.Variant)
	if !ok {
		return
	}
	if c.InputSize == 0 {
		c.InputSize = v.DefaultInput
	}
	if c.Opset == 0 {
		c.Opset = v.DefaultOpset
	}
	if c.OutputName == "" {
		c.OutputName = v.OutputName
	}
	if c.Paths.Weights == "" {
		c.Paths.Weights = v.Checkpoint
	}
	if c.Paths.SourceDir == "" {
		c.Paths.SourceDir = v.SourceDir
	}
	if c.Source.Repo == "" {
		c.Source.Repo = v.SourceRepo
	}
	if c.Paths.Interchange == "" {
		name := fmt.Sprintf("%s_%dx%d_opset%d.onnx", v.Stem(), c.InputSize, c.InputSize, c.Opset)
		c.Paths.Interchange = filepath.Join(c.Paths.WorkDir, name)
	}
	if c.Paths.Output == "" {
		c.Paths.Output = filepath.Join("assets", "models", fmt.Sprintf("%s_%d.tflite", v.Stem(), c.InputSize))
	}
}

// Validate checks the configuration. It runs before any stage so that, for
// example, an input size the backbone cannot tile is rejected before export.
func (c *Config) Validate() error {
	v, ok := LookupVariant(c.Variant)
	if !ok {
		return &faults.Error{
			Kind:     faults.InvalidConfiguration,
			Msg:      "unknown model variant",
			Expected: "one of " + strings.Join(VariantNames(), ", "),
			Found:    fmt.Sprintf("%q", c.Variant),
		}
	}

	if c.InputSize <= 0 || c.InputSize%v.PatchSize != 0 {
		lower := (c.InputSize / v.PatchSize) * v.PatchSize
		if lower <= 0 {
			lower = v.PatchSize
		}
		return &faults.Error{
			Kind:     faults.InvalidConfiguration,
			Msg:      fmt.Sprintf("input size must be a multiple of the %s patch size", v.Name),
			Expected: fmt.Sprintf("a positive multiple of %d (e.g. %d = %dx%d)", v.PatchSize, v.DefaultInput, v.DefaultInput/v.PatchSize, v.PatchSize),
			Found:    fmt.Sprintf("%d", c.InputSize),
			Hint:     fmt.Sprintf("nearest valid sizes: %d or %d", lower, lower+v.PatchSize),
		}
	}
	if v.FixedInput != 0 && c.InputSize != v.FixedInput {
		return &faults.Error{
			Kind:     faults.InvalidConfiguration,
			Msg:      fmt.Sprintf("%s only accepts a fixed input size", v.Name),
			Expected: fmt.Sprintf("%d", v.FixedInput),
			Found:    fmt.Sprintf("%d", c.InputSize),
		}
	}
	if c.Opset < 9 || c.Opset > 21 {
		return &faults.Error{
			Kind:     faults.InvalidConfiguration,
			Msg:      "unsupported target opset",
			Expected: "an opset between 9 and 21",
			Found:    fmt.Sprintf("%d", c.Opset),
		}
	}

	switch c.Strategy {
	case StrategyAuto, StrategyLegacyFlag, StrategyLegacyEnv:
	default:
		return invalid("exporter strategy", "auto, legacy-flag or legacy-env", string(c.Strategy))
	}
	switch c.Transcode.Ops {
	case OpsAuto, OpsBuiltins, OpsSelect:
	default:
		return invalid("transcode ops policy", "auto, builtins or select", string(c.Transcode.Ops))
	}

	if c.InputName == "" || c.OutputName == "" {
		return invalid("tensor names", "non-empty input and output names", fmt.Sprintf("input=%q output=%q", c.InputName, c.OutputName))
	}
	if c.InputName == c.OutputName {
		return invalid("tensor names", "distinct input and output names", c.InputName)
	}

	for name, p := range map[string]string{
		"paths.weights":     c.Paths.Weights,
		"paths.interchange": c.Paths.Interchange,
		"paths.output":      c.Paths.Output,
		"paths.work_dir":    c.Paths.WorkDir,
	} {
		if p == "" {
			return invalid(name, "a path", "empty")
		}
	}
	if filepath.Clean(c.Paths.Interchange) == filepath.Clean(c.Paths.Output) {
		return invalid("paths", "distinct interchange and output paths", c.Paths.Output)
	}
	if c.Toolchain.Python == "" {
		return invalid("toolchain.python", "a python interpreter", "empty")
	}

	for name, d := range map[string]time.Duration{
		"timeouts.load":      c.Timeouts.Load,
		"timeouts.export":    c.Timeouts.Export,
		"timeouts.validate":  c.Timeouts.Validate,
		"timeouts.transcode": c.Timeouts.Transcode,
		"timeouts.smoke":     c.Timeouts.Smoke,
	} {
		if d <= 0 {
			return invalid(name, "a positive duration", d.String())
		}
	}
	return nil
}

func invalid(what, expected, found string) error {
	return &faults.Error{
		Kind:     faults.InvalidConfiguration,
		Msg:      "invalid " + what,
		Expected: expected,
		Found:    found,
	}
}

// VariantSpec returns the variant record of the configuration.
func (c *Config) VariantSpec() (Variant, error) {
	v, ok := LookupVariant(c.Variant)
	if !ok {
		return Variant{}, faults.New(faults.InvalidConfiguration, "unknown model variant %q", c.Variant)
	}
	return v, nil
}

// ExportConfig is the immutable description of the exported graph's
// interface.
type ExportConfig struct {
	Opset      int
	InputShape [4]int64
	InputName  string
	OutputName string
}

// Export builds the export configuration. Call after Validate.
func (c *Config) Export() ExportConfig {
	s := int64(c.InputSize)
	return ExportConfig{
		Opset:      c.Opset,
		InputShape: [4]int64{1, 3, s, s},
		InputName:  c.InputName,
		OutputName: c.OutputName,
	}
}

// InputDims returns the input shape as a slice.
func (e ExportConfig) InputDims() []int64 {
	dims := e.InputShape
	return dims[:]
}

// OutputDims returns the expected single-channel depth map shape.
func (e ExportConfig) OutputDims() []int64 {
	return []int64{1, 1, e.InputShape[2], e.InputShape[3]}
}
