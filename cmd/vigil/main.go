// Command vigil runs the violence-detection service: stream ingestion,
// sliding-window inference, event detection, clip recording and the
// REST/WebSocket API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vigil/internal/api"
	"vigil/internal/classifier"
	"vigil/internal/config"
	"vigil/internal/log"
	"vigil/internal/manager"
	"vigil/internal/recorder"
	"vigil/internal/store"
	"vigil/internal/telegram"
	"vigil/internal/ws"
)

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Configure(log.Config{})
		base := log.Base()
		base.Error().Err(err).Msg("configuration invalid")
		return 1
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	log.Configure(log.Config{Level: level, File: cfg.LogFile, Console: cfg.Debug})
	lg := log.WithComponent("main")
	lg.Info().Str("addr", cfg.Addr()).Str("clips_dir", cfg.ClipsDir).Msg("starting vigil")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenWithRetry(ctx, cfg.DatabaseURL)
	if err != nil {
		lg.Error().Err(err).Msg("database unavailable")
		return 1
	}
	defer st.Close()

	cls := classifier.NewHTTPClassifier(cfg.MLServiceURL, cfg.MLTimeout())
	if err := cls.Probe(ctx); err != nil {
		// The API still serves; /model/status reports not-loaded and the
		// schedulers skip ticks until the service comes up.
		lg.Warn().Err(err).Str("url", cfg.MLServiceURL).Msg("inference service not ready")
	}

	rec, err := recorder.New(cfg.ClipsDir, recorder.NewHTTPFaceFinder(cfg.MLServiceURL, cfg.MLTimeout()))
	if err != nil {
		lg.Error().Err(err).Msg("clips directory unusable")
		return 1
	}

	hub := ws.NewHub()
	mgr := manager.New(cfg, st, hub, cls, rec)
	notifier := telegram.New(telegram.Config{
		BotToken: cfg.TelegramBotToken,
		ChatID:   cfg.TelegramChatID,
		Enabled:  cfg.TelegramEnabled,
		Cooldown: cfg.TelegramCooldown(),
	})
	if notifier.Enabled() {
		lg.Info().Msg("telegram notifications enabled")
	}
	mgr.SetNotifier(notifier)
	if err := mgr.Load(); err != nil {
		lg.Error().Err(err).Msg("loading streams failed")
		return 1
	}

	server := api.New(cfg, mgr, st, cls, hub, rec.Dir())
	httpSrv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Handler(),
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		lg.Info().Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		lg.Info().Msg("shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// Streams first: forces in-flight events to finalize and waits for
		// their clip encodes.
		if err := mgr.StopAll(stopCtx); err != nil {
			lg.Warn().Err(err).Msg("stream shutdown incomplete")
		}
		hub.Close()
		if err := httpSrv.Shutdown(stopCtx); err != nil {
			lg.Warn().Err(err).Msg("http shutdown incomplete")
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		lg.Error().Err(err).Msg("fatal")
		return 1
	}
	lg.Info().Msg("stopped")
	return 0
}
