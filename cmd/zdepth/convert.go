package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/pipeline"
)

type convertOptions struct {
	configFile string
	reportJSON string

	variant    string
	inputSize  int
	opset      int
	strategy   string
	ops        string
	weights    string
	output     string
	python     string
	float16    bool
	skipSmoke  bool
	skipOpScan bool
}

func newConvertCmd() *cobra.Command {
	var o convertOptions

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a checkpoint into a TFLite model",
		Long: "Convert a checkpoint into a TFLite model.\n\n" +
			"Settings come from the built-in defaults, then --config, then flags.\n" +
			"Exits non-zero when the conversion aborts; warnings do not change the exit status.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			return convert(cmd, cfg, o.reportJSON)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configFile, "config", "c", "", "YAML configuration file")
	f.StringVar(&o.reportJSON, "report-json", "", "Write the conversion report as JSON to this file ('-' for stdout)")
	f.StringVar(&o.variant, "variant", "", "Model variant (see 'zdepth variants')")
	f.IntVar(&o.inputSize, "input-size", 0, "Square input size; must be a multiple of the variant's patch size")
	f.IntVar(&o.opset, "opset", 0, "Target ONNX opset")
	f.StringVar(&o.strategy, "strategy", "", "Exporter strategy: auto, legacy-flag or legacy-env")
	f.StringVar(&o.ops, "ops", "", "Mobile operator sets: auto, builtins or select")
	f.StringVar(&o.weights, "weights", "", "Checkpoint file")
	f.StringVar(&o.output, "output", "", "TFLite output file")
	f.StringVar(&o.python, "python", "", "Python interpreter of the conversion toolchain")
	f.BoolVar(&o.float16, "float16", false, "Store weights as float16")
	f.BoolVar(&o.skipSmoke, "skip-smoke", false, "Skip the inference smoke test")
	f.BoolVar(&o.skipOpScan, "skip-op-check", false, "Skip the operator pre-check before lowering")

	return cmd
}

// load reads the configuration file and applies the flags that were set.
func (o *convertOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("variant") {
		cfg.Variant = o.variant
	}
	if f.Changed("input-size") {
		cfg.InputSize = o.inputSize
	}
	if f.Changed("opset") {
		cfg.Opset = o.opset
	}
	if f.Changed("strategy") {
		cfg.Strategy = config.Strategy(o.strategy)
	}
	if f.Changed("ops") {
		cfg.Transcode.Ops = config.OpsPolicy(o.ops)
	}
	if f.Changed("weights") {
		cfg.Paths.Weights = o.weights
	}
	if f.Changed("output") {
		cfg.Paths.Output = o.output
	}
	if f.Changed("python") {
		cfg.Toolchain.Python = o.python
	}
	if f.Changed("float16") {
		cfg.Transcode.Float16 = o.float16
	}
	if f.Changed("skip-smoke") {
		cfg.Smoke.Skip = o.skipSmoke
	}
	if f.Changed("skip-op-check") {
		cfg.Transcode.SkipOpCheck = o.skipOpScan
	}
	cfg.Resolve()
	return cfg, nil
}

func convert(cmd *cobra.Command, cfg *config.Config, reportJSON string) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	tc, err := newToolchain(cfg)
	if err != nil {
		return fmt.Errorf("failed to prepare toolchain: %w", err)
	}
	if c, ok := tc.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil {
				klog.Warningf("failed to clean up toolchain: %v", cerr)
			}
		}()
	}
	progress := stdout
	if reportJSON == "-" {
		// Keep stdout parseable.
		progress = stderr
	}
	p := &pipeline.Pipeline{
		Config:    cfg,
		Toolchain: tc,
		Source:    newSource(cfg, progress),
		Out:       progress,
	}

	rep, runErr := p.Run(cmd.Context())

	switch reportJSON {
	case "":
		fmt.Fprintln(stdout)
		rep.Print(stdout)
	case "-":
		if err := rep.WriteJSON(stdout); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	default:
		if err := writeReport(reportJSON, rep.WriteJSON); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		rep.Print(stdout)
	}

	if runErr != nil {
		klog.Errorf("conversion failed: %v", runErr)
		if klog.V(2).Enabled() {
			klog.Infof("%+v", runErr)
		}
		var fe *faults.Error
		if errors.As(runErr, &fe) {
			fmt.Fprintf(stderr, "\n%s\n", fe.Diagnosis())
		} else {
			fmt.Fprintf(stderr, "\nError: %v\n", runErr)
		}
		return errAborted
	}
	return nil
}

func writeReport(path string, write func(w io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close report file: %w", cerr)
		}
	}()
	if err := write(f); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
