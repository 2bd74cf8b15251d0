package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/spf13/cobra"
)

func newFixCmd() *cobra.Command {
	var outFile string

	fixCmd := &cobra.Command{
		Use:   "fix <file.osc>...",
		Short: "Merge and repair osmChange files into one document",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runFix(args, outFile, cmd.OutOrStdout())
		},
	}

	fixCmd.Flags().StringVarP(&outFile, "out", "o", "", "Repaired osmChange file")
	_ = fixCmd.MarkFlagRequired("out")

	return fixCmd
}

// failuresPath puts the failure document next to the repaired file.
func failuresPath(outFile string) string {
	return strings.TrimSuffix(outFile, ".osc") + ".failed.osc"
}

func runFix(files []string, outFile string, out io.Writer) error {
	store, err := loadStore(files)
	if err != nil {
		return err
	}
	ser := changeset.NewSerializer(store)

	body, err := ser.RenderAll()
	if err != nil {
		return err
	}
	if err := writeOSC(outFile, body); err != nil {
		return err
	}

	failures := store.Failures()
	failed, err := ser.RenderFailures(failures)
	if err != nil {
		return err
	}
	if err := writeOSC(failuresPath(outFile), failed); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s %d changes written to %s, %d repairs in %s\n",
		green("fixed"), store.Len(), outFile, len(failures), failuresPath(outFile))
	return err
}
