package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"stemflow/internal/api"
	"stemflow/internal/callback"
	"stemflow/internal/config"
	"stemflow/internal/dispatch"
	"stemflow/internal/lifecycle"
	"stemflow/internal/scheduler"
	"stemflow/internal/store"
)

func main() {
	var (
		addr   = flag.String("addr", ":8080", "HTTP bind address")
		dbPath = flag.String("db", "stemflow.db", "SQLite DB path")
		debug  = flag.Bool("debug", false, "enable pprof debug routes")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load()
	if err != nil {
		// Missing integration settings fail the operations that need them
		// (dispatch, daily trigger), not the whole process.
		log.Warn().Err(err).Msg("configuration incomplete; dispatch will fail until configured")
		cfg = &config.Config{DailyAt: "00:00", DispatchTimeout: 30 * time.Second, MaxConcurrentDispatch: 8}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLiteStore(db)

	client := dispatch.NewClient(dispatch.Options{
		WorkerBaseURL: cfg.WorkerBaseURL,
		APIKey:        cfg.WorkerAPIKey,
		PublicBaseURL: cfg.PublicBaseURL,
		Timeout:       cfg.DispatchTimeout,
	}, log.With().Str("component", "dispatch").Logger())

	manager := lifecycle.NewManager(st, client, cfg.MaxConcurrentDispatch,
		log.With().Str("component", "lifecycle").Logger())
	correlator := callback.New(st, log.With().Str("component", "callback").Logger())
	gate := scheduler.NewGate(manager, cfg.DailyPlaylistURL,
		log.With().Str("component", "scheduler").Logger())

	dailyAt, err := config.ParseDailyAt(cfg.DailyAt)
	if err != nil {
		log.Fatal().Err(err).Msg("parse daily_at")
	}
	if err := gate.Start(dailyAt[0], dailyAt[1]); err != nil {
		log.Fatal().Err(err).Msg("start daily schedule")
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(manager, correlator, gate, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	gate.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	manager.Wait()
}
