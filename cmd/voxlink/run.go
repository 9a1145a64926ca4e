package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/voxlink/adapters"
	"github.com/satriahrh/voxlink/adapters/audio"
	"github.com/satriahrh/voxlink/adapters/lipsync"
	"github.com/satriahrh/voxlink/adapters/mongo"
	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/api"
	"github.com/satriahrh/voxlink/internal/auth"
	"github.com/satriahrh/voxlink/internal/config"
	"github.com/satriahrh/voxlink/internal/logging"
	"github.com/satriahrh/voxlink/internal/playback"
	"github.com/satriahrh/voxlink/internal/saga"
	"github.com/satriahrh/voxlink/internal/signalr"
	"github.com/satriahrh/voxlink/internal/voxta"
	"github.com/satriahrh/voxlink/internal/websocket"
	"github.com/satriahrh/voxlink/usecase"
)

const shutdownTimeout = 10 * time.Second

type runFlags struct {
	character string
	context   string
}

func newRunCmd(configPath *string) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a Voxta server and serve the control API",
		Long: `Connect to the configured Voxta server, authenticate and keep the
connection alive until interrupted. Replies are played back and reported to
the server automatically when audio.auto_playback is set.

Examples:

  voxlink run
  voxlink run --character 5a6d3c1e-... --context "A quiet evening at home"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, *configPath, flags)
		},
	}

	cmd.Flags().StringVar(&flags.character, "character", "", "start a chat with this character once connected")
	cmd.Flags().StringVar(&flags.context, "context", "", "initial chat context, used with --character")
	return cmd
}

func run(ctx context.Context, configPath string, flags runFlags) error {
	bootstrap, _ := zap.NewProduction()
	loader := config.NewLoader(configPath, bootstrap)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, level, err := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer logger.Sync()

	censor := logging.NewCensor(cfg.Log.Censor)
	dial := websocket.NewFactory(logger)

	transcripts, closeTranscripts, err := newTranscriptRepository(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer closeTranscripts()

	inputFactory, err := newAudioInputFactory(cfg.Audio.Input, dial, logger)
	if err != nil {
		return err
	}

	client := usecase.NewClient(usecase.Options{
		Info: voxta.ClientInfo{
			Name:       cfg.Voxta.ClientName,
			Version:    cfg.Voxta.ClientVersion,
			AudioInput: inputFactory != nil,
		},
		Hub: signalr.Config{
			AccessToken:       cfg.Voxta.AccessToken,
			SkipNegotiation:   cfg.Voxta.SkipNegotiation,
			KeepAliveInterval: cfg.Voxta.KeepAlive,
			ServerTimeout:     cfg.Voxta.ServerTimeout,
			HandshakeTimeout:  cfg.Voxta.HandshakeTimeout,
			Reconnect: signalr.ReconnectPolicy{
				Enabled:   cfg.Voxta.Reconnect.Enabled,
				Delays:    cfg.Voxta.Reconnect.Delays,
				PerMinute: cfg.Voxta.Reconnect.PerMinute,
			},
		},
		Dial:        dial,
		Censor:      censor,
		Transcripts: transcripts,
		AudioInput:  inputFactory,
	}, logger)

	loader.Watch(func(updated *config.Config) {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(updated.Log.Level)); err != nil {
			logger.Warn("Ignoring invalid log level", zap.String("level", updated.Log.Level))
		} else {
			level.SetLevel(lvl)
		}
		client.SetCensorLogs(updated.Log.Censor)
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Audio.AutoPlayback {
		queue, err := newPlaybackQueue(ctx, cfg, client, logger)
		if err != nil {
			return err
		}
		client.SetPlayback(queue)
		g.Go(func() error {
			if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if flags.character != "" {
		autoStartChat(client, flags, logger)
	}

	retention := usecase.NewTranscriptRetentionService(transcripts, cfg.History.Retention, 0, logger)
	retention.Start()
	defer retention.Stop()

	if cfg.API.Listen != "" {
		e, err := newAPIServer(cfg, client, transcripts, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("Control API listening", zap.String("address", cfg.API.Listen))
			if err := e.Start(cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		})
	}

	if err := client.StartConnection(cfg.Voxta.Address, cfg.Voxta.Port); err != nil {
		logger.Error("Failed to start connection", zap.Error(err))
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		if err := client.Disconnect(true); err != nil && !errors.Is(err, usecase.ErrInvalidState) {
			logger.Warn("Disconnect failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func newTranscriptRepository(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (repositories.TranscriptRepository, func(), error) {
	if cfg.MongoURI == "" {
		logger.Info("Keeping transcripts in memory")
		return adapters.NewMemoryTranscriptRepository(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	if err != nil {
		return nil, nil, err
	}
	repo, err := mongo.NewTranscriptRepository(ctx, client.Database, logger)
	if err != nil {
		client.Close(context.Background())
		return nil, nil, err
	}
	return repo, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		client.Close(closeCtx)
	}, nil
}

func newAudioInputFactory(cfg config.AudioInputConfig, dial repositories.SocketFactory, logger *zap.Logger) (usecase.AudioInputFactory, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var capture *audio.PCMCapture
	if cfg.WAVFile != "" {
		c, err := audio.NewWAVFileCapture(cfg.WAVFile)
		if err != nil {
			return nil, err
		}
		capture = c
		logger.Info("Streaming recorded input", zap.String("file", cfg.WAVFile))
	} else {
		capture = audio.NewSilenceCapture()
	}

	return func(host string, port int) usecase.AudioInput {
		return websocket.NewAudioInputStream(websocket.AudioInputConfig{
			Host:               host,
			Port:               port,
			SampleRate:         cfg.SampleRate,
			Channels:           cfg.Channels,
			BufferMilliseconds: cfg.BufferMs,
		}, capture, dial, logger)
	}, nil
}

func newPlaybackQueue(ctx context.Context, cfg *config.Config, client *usecase.Client, logger *zap.Logger) (*playback.Queue, error) {
	pcfg := playback.Config{
		Downloader:  audio.NewHTTPDownloader(nil, cfg.Voxta.AccessToken, logger),
		Importer:    audio.NewWAVImporter(),
		LipSyncType: cfg.Audio.LipSync,
		RetryDelay:  cfg.Audio.Audio2Face.RetryDelay,
	}

	// Custom lip-sync has no producer in the standalone binary; chunks are
	// released without data.
	if cfg.Audio.LipSync == repositories.LipSyncAudio2Face {
		a2f := lipsync.NewAudio2Face(lipsync.Config{
			URL:     cfg.Audio.Audio2Face.URL,
			USDPath: cfg.Audio.Audio2Face.USDPath,
			WorkDir: cfg.Audio.Audio2Face.WorkDir,
			FPS:     cfg.Audio.Audio2Face.FPS,
		}, nil, saga.NewManager(logger), logger)
		if err := a2f.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize Audio2Face: %w", err)
		}
		pcfg.Generator = a2f
	}

	player := audio.NewTimedPlayer(nil, 1, logger)
	queue := playback.NewQueue(pcfg, player, func(messageID string) {
		if err := client.NotifyAudioPlaybackComplete(messageID); err != nil {
			logger.Debug("Playback completion not reported", zap.String("messageID", messageID), zap.Error(err))
		}
	}, logger)
	return queue, nil
}

func newAPIServer(cfg *config.Config, client *usecase.Client, transcripts repositories.TranscriptRepository, logger *zap.Logger) (*echo.Echo, error) {
	var issuer *auth.TokenIssuer
	if cfg.API.JWTSecret != "" {
		i, err := auth.NewTokenIssuer(cfg.API.JWTSecret, 0)
		if err != nil {
			return nil, err
		}
		issuer = i
	} else {
		logger.Warn("Control API has no jwt secret, requests are not authenticated")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Options{
		Client:         client,
		Transcripts:    transcripts,
		Issuer:         issuer,
		DefaultAddress: cfg.Voxta.Address,
		DefaultPort:    cfg.Voxta.Port,
	}, logger)
	return e, nil
}

// autoStartChat starts a chat with the requested character the first time
// the client becomes Idle.
func autoStartChat(client *usecase.Client, flags runFlags, logger *zap.Logger) {
	var once sync.Once
	client.Subscribe(func(ev usecase.Event) {
		changed, ok := ev.(usecase.StateChangedEvent)
		if !ok || changed.Current != entities.StateIdle {
			return
		}
		once.Do(func() {
			go func() {
				if err := client.StartChatWithCharacter(flags.character, flags.context); err != nil {
					logger.Error("Failed to start chat",
						zap.String("characterID", flags.character),
						zap.Error(err))
				}
			}()
		})
	})
}
