package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save a clip from the running daemon",
	Long: `Ask the running daemon to write its replay window to a clip file.

By default the command waits for the clip to be written and prints its path.
With --async it returns as soon as the daemon accepts the request.

Examples:
  # Save over HTTP
  replayd save

  # Save over gRPC without waiting
  replayd save --grpc --async`,
	RunE: runSave,
}

func init() {
	rootCmd.AddCommand(saveCmd)
	addClientFlags(saveCmd)
	saveCmd.Flags().Bool("async", false, "return without waiting for the clip to be written")
}

func runSave(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newDaemonClient(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	async, _ := cmd.Flags().GetBool("async")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := client.SaveClip(ctx, async)
	if err != nil {
		return fmt.Errorf("saving clip: %w", err)
	}

	out := cmd.OutOrStdout()
	switch {
	case resp.Clip != nil && resp.Clip.Coalesced:
		fmt.Fprintln(out, "export already in progress, trigger coalesced")
	case resp.Clip != nil:
		clip := resp.Clip
		fmt.Fprintf(out, "%s (%s, %s)\n", clip.Path, clip.Duration.Round(1e6), humanize.IBytes(uint64(clip.Size)))
	case resp.Accepted:
		fmt.Fprintln(out, "export started")
	default:
		fmt.Fprintln(out, "export already in progress or session not running")
	}
	return nil
}
