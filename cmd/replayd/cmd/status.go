package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/replayd/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's capture status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addClientFlags(statusCmd)
	addOutputFlag(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newDaemonClient(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("getting status: %w", err)
	}

	return render(cmd, status, func(w io.Writer) error {
		return printStatus(w, status)
	})
}

func printStatus(w io.Writer, s *session.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Session:\t%s\n", s.ID)
	fmt.Fprintf(tw, "State:\t%s\n", s.State)
	fmt.Fprintf(tw, "Uptime:\t%s\n", s.Uptime.Round(time.Second))
	fmt.Fprintf(tw, "Window:\t%s\n", s.Window)
	fmt.Fprintf(tw, "Video:\t%s, %d packets buffered, %s, %d dropped frames\n",
		s.Video.Encoder.Encoder, s.Video.Buffer.Packets,
		humanize.IBytes(uint64(s.Video.Buffer.Bytes)), s.Video.Encoder.DroppedFrames)
	fmt.Fprintf(tw, "Audio:\t%s, %d packets buffered, %s, %d dropped frames\n",
		s.Audio.Encoder.Encoder, s.Audio.Buffer.Packets,
		humanize.IBytes(uint64(s.Audio.Buffer.Bytes)), s.Audio.Encoder.DroppedFrames)
	fmt.Fprintf(tw, "Drift corrections:\t%d\n", s.Sync.DriftCorrections)
	fmt.Fprintf(tw, "Exports:\t%s, %d saved, %d failed, %d coalesced\n",
		s.Export.State, s.Export.Exports, s.Export.Failures, s.Export.Coalesced)
	if s.Export.Last != nil {
		fmt.Fprintf(tw, "Last clip:\t%s\n", s.Export.Last.Path)
	}
	if s.Export.LastError != "" {
		fmt.Fprintf(tw, "Last export error:\t%s\n", s.Export.LastError)
	}
	if s.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", s.Error)
	}
	return tw.Flush()
}
