package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/replayd/internal/encoder"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect FFmpeg and hardware encoder support",
	Long: `Detect the FFmpeg installation and which hardware H.264 backends it can use.

With --probe each compiled-in backend runs a one-frame test encode, which
catches missing drivers and devices that the encoder list does not show.

Examples:
  # List compiled-in backends
  replayd detect

  # Probe each backend and print JSON
  replayd detect --probe -o json`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	addOutputFlag(detectCmd)

	detectCmd.Flags().Bool("probe", false, "run a test encode on each backend")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

func runDetect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	probe, _ := cmd.Flags().GetBool("probe")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	detection, err := encoder.Detect(ctx, encoder.DetectOptions{
		FFmpegPath:  cfg.Encoder.FFmpegPath,
		VAAPIDevice: cfg.Encoder.VAAPIDevice,
		Probe:       probe,
		Logger:      slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	return render(cmd, detection, func(w io.Writer) error {
		return printDetection(w, detection)
	})
}

func printDetection(w io.Writer, d *encoder.Detection) error {
	fmt.Fprintf(w, "FFmpeg %s (%s)\n", d.Version, d.FFmpegPath)
	fmt.Fprintf(w, "Opus encoder: %t\n\n", d.Opus)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tENCODER\tCOMPILED\tPROBED\tUSABLE\tNOTE")
	for _, b := range d.Backends {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%t\t%s\n",
			b.Backend, b.Encoder, b.Compiled, b.Probed, b.Usable, b.ProbeNote)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if d.Recommended != "" {
		_, err := fmt.Fprintf(w, "\nRecommended backend: %s\n", d.Recommended)
		return err
	}
	_, err := fmt.Fprintln(w, "\nNo usable hardware backend found")
	return err
}
