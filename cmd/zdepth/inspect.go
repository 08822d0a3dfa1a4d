package main

import (
	"github.com/spf13/cobra"

	"github.com/zerfoo/zdepth/pkg/inspector"
)

func newInspectCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "inspect <file.onnx|file.tflite>",
		Short: "Print a summary of an ONNX or TFLite model",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return inspector.Inspect(args[0], verbose)
		},
	}
	cmd.Flags().BoolVar(&verbose, "nodes", false, "List every ONNX node with its attributes")
	return cmd
}
