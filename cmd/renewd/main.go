// renewd serves the XP-funded key renewal API: it prices renewals against
// the lock contract, debits the XP ledger, extends keys on chain through
// the service wallet, and reconciles attempts that were cut off mid-flight.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/keygrid/renewd/httpapi"
	"github.com/keygrid/renewd/ledgerstore"
	"github.com/keygrid/renewd/lockchain"
	"github.com/keygrid/renewd/renew"
	"github.com/keygrid/renewd/saga"
)

func main() {
	configPath := flag.String("config", "renewd.toml", "path to the TOML config file")
	flag.Parse()

	log := newLogger()
	defer log.Sync()

	if err := run(*configPath, log); err != nil {
		log.Fatalw("renewd exited", "error", err)
	}
}

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if os.Getenv("RENEWD_ENV") == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

func run(configPath string, log *zap.SugaredLogger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledgerstore.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return err
	}

	chain, err := lockchain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.LockAddress, cfg.Chain.ServiceWalletKey, log)
	if err != nil {
		return err
	}
	defer chain.Close()

	journal, err := saga.NewFileJournal(cfg.Renewal.JournalPath)
	if err != nil {
		return err
	}

	renewCfg := renew.Config{
		LockAddress:   cfg.Chain.LockAddress,
		ServiceWallet: chain.ServiceWallet(),
		FeePercent:    cfg.Renewal.FeePercent,
	}
	deps := renew.Deps{
		Ledger:   store,
		Chain:    chain,
		Attempts: store,
		Wallets:  store,
		Grants:   store,
		Treasury: store,
		Activity: store,
		Notifier: renew.NewLogNotifier(log),
		Journal:  journal,
		Log:      log,
	}
	orchestrator := renew.New(renewCfg, deps)

	if cfg.Sweeper.Enabled {
		sweeper := renew.NewSweeper(renewCfg, deps, cfg.Sweeper.StaleAfter.Duration)
		go runSweeper(ctx, sweeper, cfg.Sweeper.Interval.Duration, log)
	}

	handler := httpapi.NewRenewalHandler(orchestrator, log)
	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: httpapi.NewRouter(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.Server.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// runSweeper reconciles stale pending attempts on a fixed interval until
// the process shuts down.
func runSweeper(ctx context.Context, sweeper *renew.Sweeper, interval time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Warnw("sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				log.Infow("reconciled stale attempts", "count", swept)
			}
		}
	}
}
