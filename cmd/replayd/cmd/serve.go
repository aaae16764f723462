package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/replayd/internal/catalog"
	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/control"
	"github.com/jmylchreest/replayd/internal/encoder"
	"github.com/jmylchreest/replayd/internal/export"
	"github.com/jmylchreest/replayd/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/replayd/internal/http"
	"github.com/jmylchreest/replayd/internal/http/handlers"
	"github.com/jmylchreest/replayd/internal/observability"
	"github.com/jmylchreest/replayd/internal/retention"
	"github.com/jmylchreest/replayd/internal/session"
	"github.com/jmylchreest/replayd/internal/source"
	"github.com/jmylchreest/replayd/internal/timeline"
	"github.com/jmylchreest/replayd/internal/version"
)

var errSessionEnded = errors.New("capture session ended unexpectedly")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capture daemon",
	Long: `Start capturing and keep the replay window in memory.

The daemon provides:
- HTTP API for status, saving clips and managing saved clips
- Optional gRPC control service for local trigger tools
- Scheduled pruning of old clips
- SIGUSR1 saves a clip in the background`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

// addServeFlags registers the capture overrides accepted by serve.
func addServeFlags(c *cobra.Command) {
	c.Flags().Duration("window", 0, "replay window length (e.g. 5m)")
	c.Flags().String("quality", "", "encoder quality (LOW, MEDIUM, HIGH, HIGHEST)")
	c.Flags().String("source", "", "capture source (synthetic, grab)")
	c.Flags().String("backend", "", "video encoder backend (primary, fallback)")
	c.Flags().String("container", "", "clip container (mp4, ts)")
	c.Flags().String("output-dir", "", "directory clips are written to")
	c.Flags().Bool("mic", false, "mix the microphone into the audio track")
	c.Flags().String("grpc-address", "", "enable the gRPC control service on this address")
}

// applyServeFlags overrides configuration with explicitly set serve flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("window") {
		cfg.Capture.Window, _ = flags.GetDuration("window")
	}
	if v, ok := changedString(flags, "quality"); ok {
		cfg.Capture.Quality = v
	}
	if v, ok := changedString(flags, "source"); ok {
		cfg.Capture.Source = v
	}
	if v, ok := changedString(flags, "backend"); ok {
		cfg.Encoder.Backend = v
	}
	if v, ok := changedString(flags, "container"); ok {
		cfg.Export.Container = v
	}
	if v, ok := changedString(flags, "output-dir"); ok {
		cfg.Export.OutputDir = v
	}
	if flags.Changed("mic") {
		cfg.Capture.UseMic, _ = flags.GetBool("mic")
	}
	if v, ok := changedString(flags, "grpc-address"); ok {
		cfg.GRPC.Enabled = true
		cfg.GRPC.Address = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	logger := slog.Default()
	logger.Info("starting replayd", version.LogAttrs())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Export.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	cat, err := catalog.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	var pruner *retention.Pruner
	if cfg.Retention.Enabled {
		pruner, err = retention.New(cfg.Retention, cat, logger)
		if err != nil {
			return err
		}
		if _, err := pruner.Prune(ctx); err != nil {
			observability.WithError(logger, err).Warn("startup prune failed")
		}
	}

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	// The session ID only exists once the session does.
	recorder := &sessionRecorder{}
	sess, err := session.New(sessionConfig(cfg, recorder, logger), components)
	if err != nil {
		return fmt.Errorf("creating capture session: %w", err)
	}
	recorder.Recorder = cat.Recorder(sess.ID())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sess.Run(context.WithoutCancel(gctx)); err != nil {
			return fmt.Errorf("capture session: %w", err)
		}
		if gctx.Err() == nil {
			return errSessionEnded
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := sess.Shutdown(context.Background()); err != nil {
			observability.WithError(logger, err).Warn("capture session shutdown incomplete")
		}
		return nil
	})

	if cfg.Server.Enabled {
		server := newHTTPServer(cfg, sess, cat, logger)
		g.Go(func() error { return server.ListenAndServe(gctx) })
		logger.Info("HTTP API enabled", slog.String("address", cfg.Server.Address()))
	}

	if cfg.GRPC.Enabled {
		ctrl := control.NewServer(sess, logger)
		g.Go(func() error { return ctrl.ListenAndServe(gctx, cfg.GRPC.Address) })
		logger.Info("gRPC control enabled", slog.String("address", cfg.GRPC.Address))
	}

	if pruner != nil {
		if err := pruner.Start(gctx); err != nil {
			return err
		}
		defer pruner.Stop()
	}

	g.Go(func() error {
		watchSaveSignals(gctx, sess, logger)
		return nil
	})

	logger.Info("replayd running",
		slog.String("session_id", sess.ID()),
		slog.Duration("window", cfg.Capture.Window),
		slog.String("source", string(cfg.Capture.SourceKind())),
		slog.String("backend", string(cfg.Encoder.VideoBackend())),
		slog.String("output_dir", cfg.Export.OutputDir))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("replayd stopped")
	return err
}

// newHTTPServer builds the HTTP control plane.
func newHTTPServer(cfg *config.Config, sess *session.Session, cat *catalog.Catalog, logger *slog.Logger) *internalhttp.Server {
	server := internalhttp.NewServer(cfg.Server, logger, version.Short())

	handlers.NewHealthHandler(version.Short()).WithCatalog(cat).Register(server.API())
	handlers.NewCaptureHandler(sess).WithLogger(logger).Register(server.API())

	clipHandler := handlers.NewClipHandler(cat).WithLogger(logger)
	clipHandler.Register(server.API())
	clipHandler.RegisterChiRoutes(server.Router())

	return server
}

// watchSaveSignals triggers a background export on every save signal.
func watchSaveSignals(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	if len(saveSignals) == 0 {
		return
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, saveSignals...)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			accepted := sess.ExportAsync()
			logger.Info("save requested by signal",
				slog.String("signal", sig.String()),
				slog.Bool("accepted", accepted))
		}
	}
}

// sessionRecorder forwards clip records to a recorder set after the session
// is created.
type sessionRecorder struct {
	export.Recorder
}

// sessionConfig maps configuration onto the capture session.
func sessionConfig(cfg *config.Config, recorder export.Recorder, logger *slog.Logger) session.Config {
	return session.Config{
		Window:          cfg.Capture.Window,
		MaxBufferBytes:  cfg.Capture.MaxBufferBytes.Bytes(),
		QueueCapacity:   cfg.Capture.QueueCapacity,
		QueuePatience:   cfg.Capture.QueuePatience,
		ShutdownTimeout: cfg.Session.ShutdownTimeout,
		Sync: timeline.Config{
			DriftCheckInterval: cfg.Sync.DriftCheckInterval,
			DriftThreshold:     cfg.Sync.DriftThreshold,
		},
		Export: export.Config{
			OutputDir: cfg.Export.OutputDir,
			Container: cfg.Export.ClipContainer(),
			Recorder:  recorder,
		},
		Logger: logger,
	}
}

// buildComponents creates the sources and encoder backends for the session.
func buildComponents(cfg *config.Config, logger *slog.Logger) (session.Components, error) {
	ffmpegPath := cfg.Encoder.FFmpegPath
	if ffmpegPath == "" {
		path, err := ffmpeg.FindBinary("ffmpeg", ffmpeg.BinaryEnvVar)
		if err != nil {
			return session.Components{}, fmt.Errorf("locating ffmpeg: %w", err)
		}
		ffmpegPath = path
	}

	video := cfg.Capture.Video
	var components session.Components

	switch cfg.Capture.SourceKind() {
	case source.KindGrab:
		components.VideoSource = source.NewGrabVideo(source.GrabVideoConfig{
			FFmpegPath: ffmpegPath,
			Grabber:    video.Grabber,
			Display:    video.Display,
			Width:      video.Width,
			Height:     video.Height,
			FPS:        video.FPS,
			Logger:     logger,
		})
		components.AudioSource = source.NewGrabAudio(source.GrabAudioConfig{
			FFmpegPath: ffmpegPath,
			Device:     cfg.Capture.Audio.Device,
			MicDevice:  cfg.Capture.Audio.MicDevice,
			UseMic:     cfg.Capture.UseMic,
			Logger:     logger,
		})
	default:
		components.VideoSource = source.NewSyntheticVideo(source.SyntheticVideoConfig{
			Width:  video.Width,
			Height: video.Height,
			FPS:    video.FPS,
		})
		components.AudioSource = source.NewSyntheticAudio(source.SyntheticAudioConfig{})
	}

	components.VideoBackend = encoder.NewVideoBackend(encoder.VideoConfig{
		Backend:          cfg.Encoder.VideoBackend(),
		FFmpegPath:       ffmpegPath,
		Width:            video.Width,
		Height:           video.Height,
		FPS:              video.FPS,
		Quality:          cfg.Capture.QualityTier(),
		GOPSize:          cfg.Encoder.GOPSize,
		KeyframeInterval: cfg.Capture.KeyframeInterval,
		VAAPIDevice:      cfg.Encoder.VAAPIDevice,
		Logger:           logger,
	})
	components.AudioBackend = encoder.NewAudioBackend(encoder.AudioConfig{
		FFmpegPath: ffmpegPath,
		Bitrate:    cfg.Encoder.AudioBitrate,
		Normalize:  cfg.Capture.NormalizeAudio,
		Logger:     logger,
	})

	return components, nil
}
