// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	internal_archive "github.com/rapidaai/voicewire/internal/archive"
	internal_capture "github.com/rapidaai/voicewire/internal/capture"
	"github.com/rapidaai/voicewire/internal/config"
	internal_metrics "github.com/rapidaai/voicewire/internal/metrics"
	internal_secrets "github.com/rapidaai/voicewire/internal/secrets"
	internal_session "github.com/rapidaai/voicewire/internal/session"
	"github.com/rapidaai/voicewire/pkg/commons"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}
	appConfig, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.WithLevel(appConfig.LogLevel),
		commons.WithLogFile(appConfig.LogFile),
	)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(appConfig, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(appConfig *config.AppConfig, logger commons.Logger) error {
	metrics := internal_metrics.NewMetrics()
	if appConfig.Metrics.Enabled {
		go func() {
			if err := internal_metrics.Serve(appConfig.Metrics.Address); err != nil {
				logger.Warnw("metrics endpoint stopped", "error", err)
			}
		}()
	}

	secrets := internal_secrets.NewEnvSecretStore()
	apiKey, err := secrets.Get(appConfig.Upload.APIKeyName)
	if err != nil {
		return fmt.Errorf("cannot authorize uploads: %w", err)
	}

	var archive internal_archive.SessionArchive
	if appConfig.Archive.Enabled {
		archive, err = internal_archive.NewSQLiteArchive(appConfig.Archive.Path, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	recorder, err := internal_capture.NewRecorder(internal_capture.Config{
		SampleRate: appConfig.Capture.SampleRate,
		Channels:   appConfig.Capture.Channels,
		FrameSize:  appConfig.Capture.FrameSize,
		QueueSize:  appConfig.Capture.QueueSize,
	}, func(state internal_capture.StateChange) {
		switch state {
		case internal_capture.StatePaused:
			fmt.Fprintln(os.Stderr, "-- capture paused, recovering --")
		case internal_capture.StateResumed:
			fmt.Fprintln(os.Stderr, "-- capture resumed --")
		}
	}, logger, metrics)
	if err != nil {
		return err
	}

	session, err := internal_session.NewSession(appConfig, recorder, apiKey, archive, logger, metrics)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := session.Start(ctx); err != nil {
		return err
	}
	logger.Infow("recording", "session", session.ID())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	transcript := session.Transcript()
	for {
		select {
		case <-transcript.Updates():
			fmt.Println("---")
			fmt.Println(transcript.Render())

		case sig := <-sigChan:
			if sig == syscall.SIGTERM {
				logger.Infow("terminating, aborting session")
				return session.Cancel()
			}
			// First interrupt stops gracefully; a second one aborts the
			// remaining uploads.
			logger.Infow("interrupt received, finishing in-flight uploads")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer stopCancel()
			done := make(chan error, 1)
			go func() { done <- session.Stop(stopCtx) }()
			for {
				select {
				case <-transcript.Updates():
				case <-sigChan:
					logger.Infow("second interrupt, abandoning remaining uploads")
					stopCancel()
				case err := <-done:
					fmt.Println("=== transcript ===")
					fmt.Println(transcript.Render())
					return err
				}
			}
		}
	}
}
