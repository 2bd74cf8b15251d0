package progress

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/geopush/geopush/internal/changeset"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// SessionSummary is the outcome of one shard.
type SessionSummary struct {
	Shard      int            `json:"shard" yaml:"shard"`
	State      string         `json:"state" yaml:"state"`
	Changesets []int64        `json:"changesets" yaml:"changesets"`
	Batches    int            `json:"batches" yaml:"batches"`
	Created    int            `json:"created" yaml:"created"`
	Modified   int            `json:"modified" yaml:"modified"`
	Deleted    int            `json:"deleted" yaml:"deleted"`
	Retries    map[string]int `json:"retries,omitempty" yaml:"retries,omitempty"`
	Failures   int            `json:"failures" yaml:"failures"`
	Last       string         `json:"last_element,omitempty" yaml:"last_element,omitempty"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary is the end-of-run report.
type Summary struct {
	RunID     string            `json:"run_id" yaml:"run_id"`
	Started   time.Time         `json:"started" yaml:"started"`
	Duration  time.Duration     `json:"duration" yaml:"duration"`
	Total     int               `json:"total" yaml:"total"`
	Processed int               `json:"processed" yaml:"processed"`
	Failed    int               `json:"failed" yaml:"failed"`
	Pending   int               `json:"pending" yaml:"pending"`
	Requests  int64             `json:"requests" yaml:"requests"`
	BytesSent int64             `json:"bytes_sent" yaml:"bytes_sent"`
	BytesRecv int64             `json:"bytes_received" yaml:"bytes_received"`
	Failures  map[string]int    `json:"failures_by_class,omitempty" yaml:"failures_by_class,omitempty"`
	Sessions  []SessionSummary  `json:"sessions" yaml:"sessions"`
	ExitCode  int               `json:"exit_code" yaml:"exit_code"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// NewSummary combines store counts, failure records and tracker shards.
func NewSummary(runID string, stats changeset.Stats, failures []changeset.FailureRecord, shards []ShardStats) *Summary {
	s := &Summary{
		RunID:     runID,
		Total:     stats.Total,
		Processed: stats.Processed,
		Failed:    stats.Failed,
		Pending:   stats.Total - stats.Processed - stats.Failed,
	}
	if len(failures) > 0 {
		s.Failures = make(map[string]int)
		for _, f := range failures {
			s.Failures[string(f.Class)]++
		}
	}
	for _, sh := range shards {
		ss := SessionSummary{
			Shard:      sh.Shard,
			State:      sh.State,
			Changesets: sh.Changesets,
			Batches:    sh.Batches,
			Created:    sh.Applied[changeset.Create],
			Modified:   sh.Applied[changeset.Modify],
			Deleted:    sh.Applied[changeset.Delete],
			Failures:   sh.Failures,
		}
		if len(sh.Retries) > 0 {
			ss.Retries = make(map[string]int, len(sh.Retries))
			for k, v := range sh.Retries {
				ss.Retries[string(k)] = v
			}
		}
		if sh.HasLast {
			ss.Last = sh.Last.Action.String() + " " + sh.Last.ID.String()
		}
		if sh.Err != nil {
			ss.Error = sh.Err.Error()
		}
		s.Sessions = append(s.Sessions, ss)
	}
	return s
}

// Write encodes the summary as "yaml" or "json".
func (s *Summary) Write(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return fmt.Errorf("unknown summary format %q", format)
}

// Human renders a short report for the terminal.
func (s *Summary) Human() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s of %s changes applied, %s failed, %s pending in %s\n",
		s.RunID,
		humanize.Comma(int64(s.Processed)),
		humanize.Comma(int64(s.Total)),
		humanize.Comma(int64(s.Failed)),
		humanize.Comma(int64(s.Pending)),
		s.Duration.Round(time.Millisecond))
	if s.Requests > 0 {
		fmt.Fprintf(&b, "traffic: %s requests, %s sent, %s received\n",
			humanize.Comma(s.Requests),
			humanize.Bytes(uint64(s.BytesSent)),
			humanize.Bytes(uint64(s.BytesRecv)))
	}
	classes := make([]string, 0, len(s.Failures))
	for c := range s.Failures {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		fmt.Fprintf(&b, "  %-20s %s\n", c, humanize.Comma(int64(s.Failures[c])))
	}
	for _, ss := range s.Sessions {
		fmt.Fprintf(&b, "session %d [%s] changesets=%v batches=%d +%d ~%d -%d",
			ss.Shard, ss.State, ss.Changesets, ss.Batches, ss.Created, ss.Modified, ss.Deleted)
		if ss.Last != "" {
			fmt.Fprintf(&b, " last=%s", ss.Last)
		}
		if ss.Error != "" {
			fmt.Fprintf(&b, " error=%q", ss.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
