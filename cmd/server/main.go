package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kasirinaja/terminal/internal/config"
	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/httpapi"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/store"
	filestore "kasirinaja/terminal/internal/store/file"
	"kasirinaja/terminal/internal/store/memory"
	pgstore "kasirinaja/terminal/internal/store/postgres"
	redisstore "kasirinaja/terminal/internal/store/redis"
	"kasirinaja/terminal/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	svcConfig, err := serviceConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid service configuration")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()

	backing, claimer, err := openStore(startCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store unavailable; refusing to start")
	}
	log.Info().Str("backend", cfg.StoreBackend).Msg("store: ready")

	client := ledger.NewClient(ledger.Config{
		BaseURL:    cfg.LedgerBaseURL,
		Secret:     cfg.LedgerSecret,
		StoreID:    cfg.StoreID,
		TerminalID: cfg.TerminalID,
		Timeout:    cfg.LedgerTimeout(),
		Breaker:    ledger.DefaultBreakerConfig(),
	})
	monitor := connectivity.NewMonitor(false)
	prober := connectivity.NewProber(client, monitor, cfg.ProbeInterval())

	coordinator := syncer.New(backing, client, monitor, syncer.Config{
		MaxAttempts:   cfg.SyncMaxAttempts,
		BaseBackoff:   cfg.BaseBackoff(),
		MaxBackoff:    cfg.MaxBackoff(),
		RetryInterval: cfg.RetryInterval(),
	})
	if claimer != nil {
		coordinator.WithClaimer(claimer)
	}
	if n, err := coordinator.Recover(startCtx); err != nil {
		log.Error().Err(err).Msg("sync: recovery incomplete")
	} else if n == 0 {
		log.Info().Msg("sync: nothing to recover")
	}

	pin, err := service.NewPINVerifier(cfg.ManagerPIN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to hash manager PIN")
	}
	svc := service.New(backing, coordinator, monitor, client, pin, svcConfig)
	api := httpapi.New(svc, cfg.AllowedOrigin)

	runCtx, stopRun := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		prober.Run(runCtx)
	}()
	go func() {
		defer workers.Done()
		coordinator.Run(runCtx)
	}()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.LedgerTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Str("terminal_id", cfg.TerminalID).Msg("terminal listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	// Deliveries already started finish on their own context; Run only
	// stops picking up new work.
	stopRun()
	workers.Wait()

	if err := backing.Close(); err != nil {
		log.Error().Err(err).Msg("close store")
	}
	log.Info().Msg("terminal stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Production() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// openStore returns the configured backend and, for redis, a claimer so
// terminals sharing the queue never deliver the same sale concurrently.
func openStore(ctx context.Context, cfg config.Config) (store.Store, syncer.Claimer, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn().Msg("store: in-memory backend, sales are lost on restart")
		return memory.New(), nil, nil
	case config.BackendFile:
		s, err := filestore.Open(cfg.DataDir)
		return s, nil, err
	case config.BackendPostgres:
		s, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, nil, nil
	case config.BackendRedis:
		s, err := redisstore.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, syncer.NewRedisClaimer(s.Client(), cfg.RedisPrefix, cfg.LedgerTimeout()*2), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func serviceConfig(cfg config.Config) (service.Config, error) {
	taxRate, err := cfg.TaxRate()
	if err != nil {
		return service.Config{}, err
	}
	return service.Config{
		StoreID:        cfg.StoreID,
		TerminalID:     cfg.TerminalID,
		DefaultTaxRate: taxRate,
	}, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.LedgerSecret) < 32 {
		return fmt.Errorf("LEDGER_SECRET must be set and at least 32 characters")
	}
	if strings.TrimSpace(cfg.LedgerBaseURL) == "" {
		return fmt.Errorf("LEDGER_BASE_URL must be set")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
