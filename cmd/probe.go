package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/m2mdeint/internal/logging"
	"github.com/smazurov/m2mdeint/internal/m2m"
)

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var size string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "probe [device...]",
		Short: "List deinterlacer nodes and check they accept NV12",
		Long: `Lists the memory-to-memory video nodes of the system, or the given ones, ` +
			`and opens each to check it can deinterlace NV12 at the given size.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.GetLogger("probe")

			var width, height int
			if _, err := fmt.Sscanf(size, "%dx%d", &width, &height); err != nil || width <= 0 || height <= 0 {
				return fmt.Errorf("invalid size %q, want WIDTHxHEIGHT", size)
			}

			candidates, err := probeCandidates(cmd.Context(), args, wait)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No memory-to-memory devices found")
				return nil
			}

			opts := m2m.Options{Logger: logger}
			results := make([]probeResult, 0, len(candidates))
			for _, c := range candidates {
				results = append(results, probe(c, width, height, opts))
			}
			return writeProbeResults(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().StringVar(&size, "size", "720x576", "Frame size to test, WIDTHxHEIGHT")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for a node to appear when none exists")
	return cmd
}

type probeResult struct {
	candidate m2m.Candidate
	formats   []string
	nv12      bool
	err       error
}

func probeCandidates(ctx context.Context, paths []string, wait time.Duration) ([]m2m.Candidate, error) {
	if len(paths) > 0 {
		candidates := make([]m2m.Candidate, len(paths))
		for i, p := range paths {
			candidates[i] = m2m.Candidate{Path: p}
		}
		return candidates, nil
	}

	candidates, err := m2m.FindCandidates()
	if err != nil || len(candidates) > 0 || wait <= 0 {
		return candidates, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return m2m.WaitForCandidates(ctx)
}

func probe(c m2m.Candidate, width, height int, opts m2m.Options) probeResult {
	res := probeResult{candidate: c}
	if c.Caps != 0 {
		res.formats, res.nv12, res.err = m2m.InputFormats(c)
		if res.err != nil {
			return res
		}
	}

	s, err := m2m.Open(c.Path, width, height, opts)
	if err != nil {
		res.err = err
		return res
	}
	res.nv12 = true
	res.err = s.Teardown()
	return res
}

func writeProbeResults(out io.Writer, results []probeResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCARD\tDRIVER\tNV12\tFORMATS\tSTATUS")
	for _, r := range results {
		status := "ok"
		if r.err != nil {
			status = r.err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.candidate.Path, orDash(r.candidate.Card), orDash(r.candidate.Driver),
			yesNo(r.nv12), orDash(strings.Join(r.formats, ", ")), status)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
