// Command zdepth converts depth-estimation checkpoints into mobile TFLite
// models.
package main

import (
	"context"
	"errors"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/source"
	"github.com/zerfoo/zdepth/pkg/toolchain"
)

// errAborted is returned after a fatal diagnosis has already been printed.
var errAborted = errors.New("conversion aborted")

// Collaborator factories, replaced in tests.
var (
	newToolchain = func(cfg *config.Config) (toolchain.Toolchain, error) {
		return toolchain.NewPython(cfg.Toolchain.Python)
	}
	newSource = func(cfg *config.Config, progress io.Writer) source.Provider {
		if cfg.Source.Repo == "" {
			return source.Local{}
		}
		return source.Git{Repo: cfg.Source.Repo, Ref: cfg.Source.Ref, Out: progress}
	}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeLog := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	closeLog()
	if err == nil {
		return 0
	}
	if !errors.Is(err, errAborted) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return 1
}

// newRootCmd returns the command tree and a function closing the log file
// opened by the last execution.
func newRootCmd() (*cobra.Command, func()) {
	var logFile string
	var logOut *os.File

	cmd := &cobra.Command{
		Use:   "zdepth",
		Short: "Convert depth-estimation checkpoints to TFLite",
		Long: "zdepth converts a trained depth-estimation checkpoint into a mobile TFLite model:\n" +
			"checkpoint -> ONNX -> TensorFlow SavedModel -> TFLite.\n\n" +
			"The conversion itself runs in a Python toolchain (torch, onnx, onnx-tf, tensorflow).",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			klog.LogToStderr(false)
			klog.SetOutput(f)
			logOut = f
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logFile, "log-file", "zdepth.log", "File receiving the run log")
	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	// The log file gets everything; the terminal only gets the diagnosis.
	_ = klogFlags.Set("stderrthreshold", "FATAL")
	// Only verbosity is exposed; the destination is --log-file.
	if f := klogFlags.Lookup("v"); f != nil {
		cmd.PersistentFlags().AddGoFlag(f)
	}
	if f := klogFlags.Lookup("vmodule"); f != nil {
		cmd.PersistentFlags().AddGoFlag(f)
	}

	cmd.AddCommand(
		newConvertCmd(),
		newFetchCmd(),
		newInspectCmd(),
		newVariantsCmd(),
	)

	closeLog := func() {
		klog.Flush()
		if logOut == nil {
			return
		}
		if cerr := logOut.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", cerr)
		}
		logOut = nil
		klog.LogToStderr(true)
	}
	return cmd, closeLog
}
