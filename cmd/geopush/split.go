package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/utils"
	"github.com/spf13/cobra"
)

func newSplitCmd(c *cli) *cobra.Command {
	splitCmd := &cobra.Command{
		Use:   "split <file.osc>...",
		Short: "Write the upload batches to disk without contacting the API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runSplit(c, args, cmd.OutOrStdout())
		},
	}

	splitCmd.Flags().SortFlags = false
	splitCmd.Flags().IntP("push-size", "n", 2000, "Maximum changes per batch")
	splitCmd.Flags().Int("way-nodes", 0, "Maximum nodes per way, 0 leaves ways alone")
	splitCmd.Flags().String("strategy", string(changeset.SplitRelation), "Long way split strategy: relation or overlap")
	splitCmd.Flags().StringP("output", "o", ".", "Output directory")

	return splitCmd
}

func runSplit(c *cli, files []string, out io.Writer) error {
	cfg := c.cfg
	store, err := loadStore(files)
	if err != nil {
		return err
	}
	opts, err := cfg.UploadOptions()
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(cfg.OutputDir); err != nil {
		return err
	}

	if opts.MaxWayNodes > 0 {
		store.SplitLongWays(opts.MaxWayNodes, opts.SplitStrategy)
	}

	ser := changeset.NewSerializer(store)
	sp := changeset.NewSplitter(store, changeset.SplitterOptions{})
	var batches, size int
	for {
		b, ok := sp.Next(opts.MaxPushSize)
		if !ok {
			break
		}
		body, err := ser.Render(b, b.Sequence)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%04d.osc", b.Sequence)
		if err := writeOSC(filepath.Join(cfg.OutputDir, name), body); err != nil {
			return err
		}
		batches++
		size += len(body)
	}
	if err := writeFailures(cfg.OutputDir, store); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s %s changes in %d batches (%s), %d repairs\n",
		green("split"), humanize.Comma(int64(store.Len())), batches,
		humanize.Bytes(uint64(size)), len(store.Failures()))
	return err
}
