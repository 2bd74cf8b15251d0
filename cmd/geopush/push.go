package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/progress"
	"github.com/geopush/geopush/internal/uploader"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	errRunFailed     = errors.New("upload did not complete cleanly")
	errResumeJournal = errors.New("--resume needs a journal")
)

func newPushCmd(c *cli) *cobra.Command {
	var resume bool

	pushCmd := &cobra.Command{
		Use:   "push <file.osc>...",
		Short: "Upload osmChange files to the map API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runPush(cmd.Context(), c, args, resume, cmd.OutOrStdout())
		},
	}

	pushCmd.Flags().SortFlags = false
	pushCmd.Flags().IntP("push-size", "n", uploader.DefaultOptions().MaxPushSize, "Maximum changes per upload")
	pushCmd.Flags().Int("changeset-size", 0, "Maximum changes per changeset (0 uses the server limit)")
	pushCmd.Flags().Int("way-nodes", 0, "Maximum nodes per way (0 uses the server limit)")
	pushCmd.Flags().String("strategy", string(changeset.SplitRelation), "Long way split strategy: relation or overlap")
	pushCmd.Flags().Int("sharding", 1, "Concurrent upload sessions")
	pushCmd.Flags().StringP("journal", "j", "", "Journal database for resumable runs")
	pushCmd.Flags().BoolVar(&resume, "resume", false, "Skip changes the journal records as applied")
	pushCmd.Flags().StringP("output", "o", ".", "Directory for failed.osc and remaining.osc")
	pushCmd.Flags().String("summary", "text", "Summary format: text, yaml or json")

	return pushCmd
}

func runPush(ctx context.Context, c *cli, files []string, resume bool, out io.Writer) error {
	cfg := c.cfg
	if err := cfg.API.Validate(); err != nil {
		return err
	}
	if resume && cfg.Journal == "" {
		return errResumeJournal
	}

	store, err := loadStore(files)
	if err != nil {
		return err
	}

	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return err
	}
	api, err := osmapi.New(clientCfg)
	if err != nil {
		return err
	}

	opts, err := cfg.UploadOptions()
	if err != nil {
		return err
	}
	opts.RunID = uuid.NewString()

	tracker := progress.NewTracker()
	observers := progress.Observers{tracker}

	// set by Prepare, which runs on the driver goroutine before any session
	restored := !resume
	var journal *progress.Journal
	if cfg.Journal != "" {
		journal = progress.NewJournal(cfg.Journal)
		if err := journal.Open(); err != nil {
			return err
		}
		defer journal.Close()

		if resume {
			opts.Prepare = func(s *changeset.Store) error {
				n, err := journal.Restore(s)
				if err != nil {
					return err
				}
				restored = true
				fmt.Fprintf(out, "%s %d changes already applied\n", cyan("resume:"), n)
				return nil
			}
		}
		if err := journal.Begin(opts.RunID, strings.Join(files, ",")); err != nil {
			return err
		}
		observers = append(observers, journal)
	}
	opts.Observer = observers

	events := tracker.Subscribe()
	defer tracker.Unsubscribe(events)
	go reportBatches(events)

	started := time.Now()
	driver := uploader.New(api, store, opts)
	res, runErr := driver.Run(ctx)

	if journal != nil {
		if err := journal.Finish(); err != nil {
			slog.Error("journal finish", "error", err)
		}
	}

	if restored {
		err = writeResults(cfg.OutputDir, store)
	} else {
		// the store still counts applied changes as pending
		slog.Warn("journal not applied, remaining changes not written", "journal", cfg.Journal)
		err = writeFailures(cfg.OutputDir, store)
	}
	if err != nil {
		return errors.Join(runErr, err)
	}

	summary := progress.NewSummary(res.RunID, res.Stats, res.Failures, tracker.Snapshot())
	summary.Started = started
	summary.Duration = res.Duration
	summary.ExitCode = res.ExitCode()
	traffic := api.Stats()
	summary.Requests = traffic.Requests
	summary.BytesSent = traffic.BytesSent
	summary.BytesRecv = traffic.BytesRecv
	if err := writeSummary(out, summary, cfg.SummaryFormat); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if res.ExitCode() != 0 {
		return errRunFailed
	}
	return nil
}

// reportBatches logs progress until the channel is closed.
func reportBatches(events <-chan progress.Event) {
	for e := range events {
		switch e.Kind {
		case progress.EventSessionOpened:
			slog.Info("changeset opened", "shard", e.Shard, "changeset", e.ChangesetID)
		case progress.EventSessionClosed:
			if e.Err == nil {
				slog.Info("changeset closed", "shard", e.Shard, "changeset", e.ChangesetID)
			}
		}
	}
}

func writeSummary(w io.Writer, s *progress.Summary, format string) error {
	if format != "text" {
		return s.Write(w, format)
	}
	status := green("done")
	switch {
	case s.ExitCode != 0:
		status = red("failed")
	case s.Failed > 0:
		status = yellow("done with exceptions")
	}
	_, err := fmt.Fprintf(w, "%s %s", status, s.Human())
	return err
}
