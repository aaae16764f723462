package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/replayd/internal/catalog"
	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/models"
	"github.com/jmylchreest/replayd/internal/retention"
)

var clipsCmd = &cobra.Command{
	Use:   "clips",
	Short: "Manage saved clips",
	Long: `Commands for listing, deleting and pruning saved clips.

These commands open the clip catalog directly and do not need the daemon
to be running.`,
}

var clipsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved clips, newest first",
	RunE:    runClipsList,
}

var clipsDeleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	Aliases: []string{"rm"},
	Short:   "Delete clips and their files",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runClipsDelete,
}

var clipsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy once",
	Long: `Delete clips older than retention.max_age and clips beyond the newest
retention.max_clips, as the daemon does on its schedule.`,
	RunE: runClipsPrune,
}

func init() {
	rootCmd.AddCommand(clipsCmd)
	clipsCmd.AddCommand(clipsListCmd, clipsDeleteCmd, clipsPruneCmd)

	clipsListCmd.Flags().Int("offset", 0, "number of clips to skip")
	clipsListCmd.Flags().Int("limit", 50, "maximum number of clips to list (0 for all)")
	addOutputFlag(clipsListCmd)

	clipsPruneCmd.Flags().String("max-age", "", "override retention.max_age (e.g. 7d, 12h, 0 to disable)")
	clipsPruneCmd.Flags().Int("max-clips", -1, "override retention.max_clips (0 to disable)")
}

// openCatalog loads configuration and opens the clip catalog.
func openCatalog(cmd *cobra.Command) (*config.Config, *catalog.Catalog, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	cat, err := catalog.Open(cmd.Context(), cfg.Database, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return cfg, cat, nil
}

// clipList is the list output.
type clipList struct {
	Clips      []*models.Clip `json:"clips" yaml:"clips"`
	Total      int64          `json:"total" yaml:"total"`
	TotalBytes int64          `json:"total_bytes" yaml:"total_bytes"`
}

func runClipsList(cmd *cobra.Command, _ []string) error {
	_, cat, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	offset, _ := cmd.Flags().GetInt("offset")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx := cmd.Context()
	clips, total, err := cat.List(ctx, offset, limit)
	if err != nil {
		return err
	}
	summary, err := cat.Summary(ctx)
	if err != nil {
		return err
	}

	list := clipList{Clips: clips, Total: total, TotalBytes: summary.TotalBytes}
	return render(cmd, list, func(w io.Writer) error {
		return printClips(w, list)
	})
}

func printClips(w io.Writer, list clipList) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tDURATION\tSIZE\tPATH")
	for _, c := range list.Clips {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, humanize.Time(c.CreatedAt), c.Duration().Round(time.Millisecond),
			humanize.IBytes(uint64(c.SizeBytes)), c.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d of %d clips, %s total\n",
		len(list.Clips), list.Total, humanize.IBytes(uint64(list.TotalBytes)))
	return err
}

func runClipsDelete(cmd *cobra.Command, args []string) error {
	_, cat, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	var errs []error
	for _, arg := range args {
		id, err := models.ParseULID(arg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arg, err))
			continue
		}
		clip, err := cat.Delete(cmd.Context(), id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arg, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", clip.ID, clip.Path)
	}
	return errors.Join(errs...)
}

func runClipsPrune(cmd *cobra.Command, _ []string) error {
	cfg, cat, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	policy := cfg.Retention
	if v, ok := changedString(cmd.Flags(), "max-age"); ok {
		age, err := config.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid --max-age: %w", err)
		}
		policy.MaxAge = age
	}
	if cmd.Flags().Changed("max-clips") {
		policy.MaxClips, _ = cmd.Flags().GetInt("max-clips")
	}

	pruner, err := retention.New(policy, cat, slog.Default())
	if err != nil {
		return err
	}
	report, err := pruner.Prune(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d clips (%d expired, %d over limit), freed %s\n",
		report.Deleted, report.Expired, report.OverLimit, humanize.IBytes(uint64(report.FreedBytes)))
	if report.Failed > 0 {
		return fmt.Errorf("%d clips could not be deleted", report.Failed)
	}
	return nil
}
