package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/replayd/internal/inspect"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.ts>...",
	Short: "Inspect MPEG-TS clips",
	Long: `Read MPEG-TS clips and report their elementary streams, packet counts and
timestamps, and whether playback can start from the first frame.

The command exits non-zero when a clip does not start on a keyframe.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	addOutputFlag(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	reports := make([]*inspect.Report, 0, len(args))
	var errs []error
	for _, path := range args {
		report, err := inspect.InspectFile(cmd.Context(), path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !report.StartsWithKeyframe {
			errs = append(errs, fmt.Errorf("%s: does not start on a keyframe", path))
		}
		reports = append(reports, report)
	}

	if err := render(cmd, reports, func(w io.Writer) error {
		for _, r := range reports {
			if err := printReport(w, r); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func printReport(w io.Writer, r *inspect.Report) error {
	fmt.Fprintf(w, "%s (%s)\n", r.Path, humanize.IBytes(uint64(r.Size)))
	fmt.Fprintf(w, "  starts with keyframe: %t, random access flag: %t\n", r.StartsWithKeyframe, r.RandomAccessFlag)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  PID\tCODEC\tPACKETS\tBYTES\tKEYFRAMES\tFIRST PTS\tSPAN")
	for _, s := range r.Streams {
		fmt.Fprintf(tw, "  %d\t%s\t%d\t%s\t%d\t%s\t%s\n",
			s.PID, s.Codec, s.Packets, humanize.IBytes(uint64(s.Bytes)), s.Keyframes, s.FirstPTS, s.Span())
	}
	return tw.Flush()
}
