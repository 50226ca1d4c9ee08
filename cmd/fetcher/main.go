// Command fetcher archives the history of every chat visible to the
// configured Telegram sessions into the configured store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/msx98/telelog/internal/config"
	"github.com/msx98/telelog/internal/crawler"
	"github.com/msx98/telelog/internal/database"
	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/marker"
	"github.com/msx98/telelog/internal/memstore"
	"github.com/msx98/telelog/internal/migrator"
	"github.com/msx98/telelog/internal/nats"
	"github.com/msx98/telelog/internal/progress"
	"github.com/msx98/telelog/internal/queue"
	"github.com/msx98/telelog/internal/repository"
	"github.com/msx98/telelog/internal/scheduler"
	"github.com/msx98/telelog/internal/status"
	"github.com/msx98/telelog/internal/store"
	"github.com/msx98/telelog/internal/telegram"
)

func main() {
	recompute := flag.Bool("recompute-hwm", false, "recompute committed high-water marks from stored messages before fetching")
	flag.Parse()

	if err := run(*recompute); err != nil {
		logger.Get().Error().Err(err).Msg("fetcher failed")
		fmt.Fprintln(os.Stderr, "fetcher:", err)
		os.Exit(1)
	}
}

// session bundles what one account owns.
type session struct {
	client  *telegram.Client
	queue   *queue.Queue
	crawler *crawler.Crawler
}

func run(recompute bool) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Get()
	log.Info().
		Str("backend", cfg.StoreBackend).
		Str("mode", cfg.RunMode).
		Int("sessions", len(cfg.Sessions)).
		Msg("starting fetcher")

	// 3. Setup context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Open the store
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	closeStore := true
	defer func() {
		if !closeStore {
			return
		}
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	// 5. Repair interrupted fetches before anything else touches the store
	recoveries, err := marker.RecoverAll(ctx, st, log.WithComponent("marker"))
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	var lastRecovery *status.Recovery
	if n := len(recoveries); n > 0 {
		r := recoveries[n-1]
		lastRecovery = &status.Recovery{
			ChannelID:   r.ChannelID,
			ChannelName: r.ChannelName,
			RangeSize:   r.RangeSize,
			At:          r.At,
		}
	}

	if recompute {
		n, err := progress.RecomputeHighWaterMarks(ctx, st, log)
		if err != nil {
			return fmt.Errorf("recompute high-water marks: %w", err)
		}
		log.Info().Int("updated", n).Msg("high-water marks recomputed")
	}

	if len(cfg.Sessions) == 0 {
		if recompute {
			return nil
		}
		return errors.New("no sessions configured (TELEGRAM_FETCH_WITH or SESSIONS_FILE)")
	}

	// 6. Status reporters
	board := status.NewBoard()
	fanout := status.NewFanout(log.WithComponent("status"), status.NewLogReporter(log), board)

	if cfg.NatsURL != "" {
		nc, err := nats.New(ctx, cfg.NatsURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, status publishing disabled")
		} else {
			defer nc.Close()
			if err := nc.EnsureStatusStream(ctx, cfg.NatsStatusSubject); err != nil {
				log.Warn().Err(err).Msg("failed to create status stream")
			}
			fanout.Add(status.NewNATSReporter(nc, cfg.NatsStatusSubject))
		}
	}

	// 7. Start every session; any failure is fatal
	sessions := make([]*session, 0, len(cfg.Sessions))
	defer func() {
		for _, s := range sessions {
			_ = s.client.Close()
		}
	}()
	for _, sc := range cfg.Sessions {
		s, err := startSession(ctx, cfg, sc, st, log)
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
	}

	if cfg.DebugChatID != 0 {
		fanout.Add(telegram.NewStatusMessage(sessions[0].client, st, cfg.DebugChatID, log))
	}

	// 8. Status HTTP surface
	var server *http.Server
	if cfg.HTTPPort > 0 {
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:           status.NewRouter(board),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.HTTPPort).Msg("starting status server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}

	// 9. Crawl
	filter := progress.Filter{
		FetchGroups:   cfg.FetchGroups,
		FetchFull:     cfg.FetchFullSet(),
		GroupLookback: cfg.GroupLookback,
	}
	var runErr error
	if cfg.RunMode == config.RunOnce && len(sessions) == 1 {
		runErr = runSingle(ctx, sessions[0].crawler, st, filter, fanout, lastRecovery, log)
	} else {
		crawlers := make([]*crawler.Crawler, len(sessions))
		for i, s := range sessions {
			crawlers[i] = s.crawler
		}
		sched := scheduler.New(scheduler.Config{
			IdleBackoff:         cfg.IdleBackoff,
			StatusInterval:      cfg.StatusInterval,
			RediscoveryInterval: cfg.RediscoveryInterval,
			Once:                cfg.RunMode == config.RunOnce,
			Filter:              filter,
		}, st, crawlers, fanout, log.WithComponent("scheduler"))
		sched.SetLastRecovery(lastRecovery)
		runErr = sched.Run(ctx)
	}
	if ctx.Err() != nil {
		log.Info().Msg("received shutdown signal")
		runErr = nil
	}

	// 10. Shutdown: drain every queue before the store goes away
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}

	var drainErr error
	for _, s := range sessions {
		if err := s.queue.Close(); err != nil {
			log.Error().Err(err).Str("session", s.client.Name()).Msg("write queue did not drain")
			drainErr = errors.Join(drainErr, err)
		}
	}
	if errors.Is(drainErr, queue.ErrTimeout) {
		// a worker may still be writing
		closeStore = false
	}

	if err := errors.Join(runErr, drainErr); err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	repoLog := log.WithComponent("repository")

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if err := migrator.New(log).Up(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := database.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(pool, repoLog), nil

	case config.BackendGorm:
		if err := migrator.New(log).Up(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := database.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return repository.NewGormStore(db, repoLog), nil

	case config.BackendSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s := repository.NewGormStore(db, repoLog)
		if err := s.AutoMigrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case config.BackendMemory:
		log.Warn().Msg("memory store: nothing survives this process")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func startSession(ctx context.Context, cfg *config.Config, sc config.Session, st store.Store, log *logger.Logger) (*session, error) {
	mgr := telegram.NewManager(telegram.Credentials{
		APIID:         cfg.TGApiID,
		APIHash:       cfg.TGApiHash,
		Name:          sc.Name,
		SessionString: sc.SessionString,
	}, log)
	if err := mgr.Init(ctx); err != nil {
		return nil, err
	}
	client := telegram.NewClient(mgr, telegram.NewRateLimiter(cfg.SessionRPS(sc), 1), log)

	qcfg := queue.DefaultConfig(sc.Name)
	qcfg.BatchSize = cfg.QueueBatchSize
	qcfg.FillTimeout = cfg.QueueFillTimeout
	qcfg.CapacityFactor = cfg.QueueCapacityFactor
	q := queue.New(qcfg, st, log)

	ccfg := crawler.DefaultConfig()
	ccfg.StatusInterval = cfg.StatusInterval

	slot := sc.Name
	if slot == "" {
		slot = store.DefaultMarkerSlot
	}
	guard := marker.NewGuard(slot, st, log)
	return &session{
		client:  client,
		queue:   q,
		crawler: crawler.New(ccfg, client, q, st, guard, log),
	}, nil
}

// runSingle is the run-to-completion path of a single session: discover,
// plan and fetch every pending channel once.
func runSingle(ctx context.Context, c *crawler.Crawler, st store.Store, filter progress.Filter, reporter status.Reporter, lastRecovery *status.Recovery, log *logger.Logger) error {
	dialogs, err := c.Source().ListDialogs(ctx)
	if err != nil {
		return fmt.Errorf("list dialogs: %w", err)
	}
	backlog, err := progress.Plan(ctx, st, dialogs, filter, log)
	if err != nil {
		return err
	}

	res, err := c.Run(ctx, backlog, crawler.RunOptions{
		Reporter:     reporter,
		LastRecovery: lastRecovery,
	})
	if res != nil {
		log.Info().
			Int("finished", len(res.Finished)).
			Int("failed", len(res.Failed)).
			Int64("written", res.Written).
			Msg("run finished")
	}
	return err
}
