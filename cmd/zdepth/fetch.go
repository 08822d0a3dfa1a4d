package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/downloader"
)

// newHTTPSource is replaced in tests.
var newHTTPSource = func(token string) downloader.CheckpointSource {
	return downloader.NewHTTPSource(token)
}

func newFetchCmd() *cobra.Command {
	var variant string
	var dest string
	var apiKey string
	var overwrite bool
	var withSource bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the published checkpoint of a variant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			v, ok := config.LookupVariant(variant)
			if !ok {
				cfg := config.Default()
				cfg.Variant = variant
				return cfg.Validate()
			}

			// The flag wins over the environment.
			if apiKey == "" {
				apiKey = os.Getenv("HF_API_KEY")
			}
			d := downloader.NewDownloader(newHTTPSource(apiKey))
			d.Overwrite = overwrite

			fmt.Fprintf(out, "Downloading checkpoint '%s' to '%s'...\n", v.Checkpoint, dest)
			result, err := d.Download(cmd.Context(), downloader.CheckpointOf(v), dest)
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintf(out, "Checkpoint already present: %s (%s)\n", result.Path, humanize.IBytes(uint64(result.Bytes)))
			} else {
				fmt.Fprintf(out, "Successfully downloaded checkpoint to: %s (%s)\n", result.Path, humanize.IBytes(uint64(result.Bytes)))
			}

			if withSource {
				dir := filepath.Join(dest, v.SourceDir)
				fmt.Fprintf(out, "Fetching architecture source %s into '%s'...\n", v.SourceRepo, dir)
				cfg := config.Default()
				cfg.Variant = v.Name
				cfg.Resolve()
				if err := newSource(cfg, out).Ensure(cmd.Context(), dir); err != nil {
					return fmt.Errorf("failed to fetch architecture source: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&variant, "variant", "vits", "Model variant (see 'zdepth variants')")
	cmd.Flags().StringVar(&dest, "dest", ".", "Destination directory")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Optional Hugging Face API key (defaults to $HF_API_KEY)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Download again even if the checkpoint exists")
	cmd.Flags().BoolVar(&withSource, "with-source", false, "Also fetch the architecture source repository")

	return cmd
}
