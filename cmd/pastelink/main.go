package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pastelink/cfg"
	"pastelink/pkg/secrets"
	"pastelink/svc/api"
	"pastelink/svc/auth"
	"pastelink/svc/cache"
	"pastelink/svc/db"
	"pastelink/svc/lim"
	"pastelink/svc/svc"
	"pastelink/svc/util"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "hash-password":
		util.InitLog("error", false)
		if err := hashPassword(os.Stdin, os.Stdout, auth.NewPasswordHasher(1)); err != nil {
			util.Error().Err(err).Msg("hash-password failed")
			return 1
		}
		return 0
	case "-health":
		return healthCheck()
	}

	c, err := loadConfig()
	if err != nil {
		util.InitLog("info", false)
		util.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")

	switch cmd {
	case "":
		return serve(c)
	case "sweep":
		return sweepOnce(c)
	default:
		util.Error().Str("command", cmd).Msg("unknown command (want sweep, hash-password or -health)")
		return 2
	}
}

func loadConfig() (*cfg.Cfg, error) {
	c, err := cfg.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(c); err != nil {
		return nil, err
	}
	if c.SecretsFromProvider {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		r, err := secrets.NewFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		if err := secrets.Apply(ctx, r, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// healthCheck is the container probe: exit 0 when the record store answers.
func healthCheck() int {
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	store, err := db.Open(c)
	if err != nil {
		return 1
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}

func serve(c *cfg.Cfg) int {
	util.Info().Str("environment", c.Environment).Msg("starting pastelink")

	store, err := db.Open(c)
	if err != nil {
		util.Error().Err(err).Str("driver", c.DatabaseDriver).Msg("failed to open database")
		return 1
	}
	defer store.Close()
	util.Info().Str("driver", c.DatabaseDriver).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.Environment == "production" || c.SessionBackend == "redis" || c.RateLimit.Backend == "redis" {
				util.Error().Err(err).Msg("redis required but unavailable")
				return 1
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without it")
		} else {
			defer rdb.Close()
			util.Info().Msg("redis connected")
		}
	}

	lru, err := cache.NewLRU(c.LRUCacheSize, c.CacheTTL, c.CacheEnabled)
	if err != nil {
		util.Error().Err(err).Msg("failed to create cache")
		return 1
	}
	texts := svc.NewText(store, lru, c)

	opts := lim.Options{
		MaxClients:     c.RateLimit.MaxClients,
		GlobalRPS:      c.RateLimit.GlobalRPS,
		TrustedProxies: c.TrustedProxies,
	}
	if c.RateLimit.Backend == "redis" && rdb != nil {
		opts.Remote = rdb
	}
	limiter := lim.New(opts)
	defer limiter.Stop()
	util.Info().
		Int("requests", c.RateLimit.Requests).
		Dur("window", c.RateLimit.Window).
		Str("backend", c.RateLimit.Backend).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	var sessionStore auth.SessionStore = auth.NewMemorySessionStore(c.SessionMaxCount, c.SessionTimeout)
	if c.SessionBackend == "redis" {
		sessionStore = auth.NewRedisSessionStore(rdb)
	}
	sessions := auth.NewSessionGuard(sessionStore, c.SessionTimeout)
	admin := auth.NewAdmin(c.AdminUser, c.AdminHash.Value(), auth.NewPasswordHasher(4), sessions)
	if !admin.Enabled() {
		util.Warn().Msg("ADMIN_HASH not set, admin login disabled")
	}

	server := api.NewServer(api.Deps{
		Cfg:      c,
		Texts:    texts,
		Limiter:  limiter,
		Sessions: sessions,
		CSRF:     auth.NewCSRFGuard(sessions, c.CSRFEnabled),
		Admin:    admin,
		Redis:    rdb,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepDone := svc.StartSweeper(ctx, texts.Sweeper(), c.SweepInterval)

	quitWAL := make(chan struct{})
	walDone := make(chan struct{})
	if sq, ok := store.(*db.SQLite); ok {
		go func() {
			defer close(walDone)
			sq.StartWALMaintenance(quitWAL)
		}()
		util.Info().Msg("WAL maintenance worker started")
	} else {
		close(walDone)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if err != nil {
		util.Error().Err(err).Msg("server stopped with error")
	}

	stop()
	<-sweepDone
	close(quitWAL)
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(10 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop in time")
	}
	texts.Shutdown()
	util.Info().Msg("shutdown complete")
	if err != nil {
		return 1
	}
	return 0
}

func sweepOnce(c *cfg.Cfg) int {
	store, err := db.Open(c)
	if err != nil {
		util.Error().Err(err).Msg("failed to open database")
		return 1
	}
	defer store.Close()
	lru, err := cache.NewLRU(1, c.CacheTTL, false)
	if err != nil {
		util.Error().Err(err).Msg("failed to create cache")
		return 1
	}
	texts := svc.NewText(store, lru, c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := sweepReport(ctx, texts, os.Stdout, time.Now); err != nil {
		util.Error().Err(err).Msg("sweep failed")
		return 1
	}
	return 0
}
