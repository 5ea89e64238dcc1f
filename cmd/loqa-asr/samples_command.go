package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-transcribe/internal/inference"
	"github.com/loqalabs/loqa-transcribe/internal/ingest"
)

type sampleEntry struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

func newSamplesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "List the sample catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			catalog := ingest.Catalog(cfg.Samples)
			entries := make([]sampleEntry, 0, len(catalog))
			for _, key := range catalog.Keys() {
				url, _ := catalog.Lookup(key)
				entries = append(entries, sampleEntry{Key: key, URL: url})
			}
			if asJSON {
				return writeJSON(cmd, entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\n", e.Key, e.URL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newPrecisionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "precisions",
		Short: "List weight precisions and the files they select",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range inference.Precisions() {
				files := inference.FilesFor(p)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p, files.Encoder, files.Decoder)
			}
			return tw.Flush()
		},
	}
}
