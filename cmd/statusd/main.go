// Command statusd hosts terminal sessions for the dispatch consoles and the
// mobile vehicle clients of one fire service.
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

	"fire-dispatch/radiostatus/internal/alerting"
	"fire-dispatch/radiostatus/internal/announce"
	"fire-dispatch/radiostatus/internal/auth"
	"fire-dispatch/radiostatus/internal/config"
	"fire-dispatch/radiostatus/internal/pipeline"
	"fire-dispatch/radiostatus/internal/statuslog"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/internal/terminal"
	transport "fire-dispatch/radiostatus/internal/transport/http"
	"fire-dispatch/radiostatus/internal/transport/ws"
	"fire-dispatch/radiostatus/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("statusd stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log = log.With(logger.String("terminal_id", cfg.TerminalID))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		backend store.Backend
		keys    auth.KeyStore
		ready   = make(map[string]transport.Pinger)
	)
	switch cfg.StoreBackend {
	case "redis":
		rb, err := store.NewRedisBackend(ctx, cfg)
		if err != nil {
			return err
		}
		backend, keys = rb, rb
		ready["redis"] = rb
		log.Info("using redis store", logger.String("addr", cfg.RedisAddr))
	case "memory", "":
		backend = store.NewMemoryBackend(cfg.TerminalID)
		log.Info("using in-memory store; terminals in other processes will not see it")
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	defer backend.Close()

	records := store.NewRecords(backend, log)
	writer := statuslog.NewWriter(records, cfg.TerminalID, log)

	var (
		history transport.History
		wg      sync.WaitGroup
	)
	if cfg.ArchiveEnabled {
		archive, err := store.NewArchive(ctx, cfg)
		if err != nil {
			return err
		}
		defer archive.Close()
		history = archive
		ready["archive"] = archive

		dispatcher := pipeline.NewDispatcher(records, cfg.ArchiveChannelSize, log)
		archiveWriter := pipeline.NewArchiveWriter(dispatcher.ArchiveChan, archive,
			cfg.ArchiveBatchSize, cfg.ArchiveFlushInterval(), log)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := dispatcher.Run(ctx); err != nil {
				log.Error("archive dispatcher stopped", logger.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			archiveWriter.Run(ctx)
		}()
		log.Info("status log archive enabled", logger.String("db_host", cfg.DBHost))
	}

	hub := ws.NewHub(log)
	output := func(sessionID string) announce.Announcer {
		feed := hub.Feed(sessionID)
		if !cfg.AnnounceLog {
			return feed
		}
		return announce.Multi{feed, announce.NewLogAnnouncer(log.With(logger.String("session_id", sessionID)))}
	}
	manager := terminal.NewManager(ctx, records, writer, auth.ScopeFor, output, terminal.Options{
		PollInterval: cfg.PollInterval(),
		Speech:       alerting.Options{Language: cfg.SpeechLanguage, Rate: cfg.SpeechRate},
	}, log)
	defer manager.CloseAll()

	authenticator := auth.NewAuthenticator(cfg, keys)
	api := transport.NewServer(manager, records, hub, authenticator, transport.Options{
		DisplayLimit: cfg.StatusLogDisplayLimit,
		History:      history,
		Ready:        ready,
	}, log)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", logger.Error(err))
	}
	manager.CloseAll()
	cancel()
	wg.Wait()
	return nil
}
