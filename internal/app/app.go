// Package app wires configuration, storage, providers, the dispatch
// service, the continuation ticker, and the HTTP command interface into
// one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/audience"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/httpapi"
	"dispatchd/internal/provider"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/store"
	"dispatchd/internal/sweep"
	logx "dispatchd/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	st     store.Store
	svc    *dispatch.Service
	ticker *sweep.Ticker
	api    *httpapi.Server

	httpAddr string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	// Parse everything that can fail before any resource is opened, so the
	// error paths below never have to unwind a partial bring-up.
	leaseTTL, err := config.ParseDurationField("sweep.lease_ttl", cfg.Sweep.LeaseTTL)
	if err != nil {
		return nil, err
	}
	retention, err := config.ParseDurationField("sweep.retention", cfg.Sweep.Retention)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	st, err := openStore(cfg.Storage, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	providers, err := buildProviders(cfg.Providers, log)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	sup := supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))))

	svc := dispatch.New(dispatch.Config{
		LeaseTTL:               leaseTTL,
		Retention:              retention,
		DefaultIntervalSeconds: cfg.Dispatch.DefaultIntervalSeconds,
	}, st, audience.New(st), providers, sup, log.With(logx.String("comp", "dispatch")))

	ticker := sweep.New(sweep.Config{
		Enabled:  cfg.Sweep.Enabled,
		Schedule: cfg.Sweep.Schedule,
	}, svc, log)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		sup:      sup,
		log:      log,
		logs:     logSvc,
		st:       st,
		svc:      svc,
		ticker:   ticker,
		api:      httpapi.New(svc, st, log),
		httpAddr: strings.TrimSpace(cfg.HTTP.Address),
	}, nil
}

func openStore(cfg *config.StorageConfig, log logx.Logger) (store.Store, error) {
	if cfg == nil {
		log.Warn("no storage configured; jobs will not survive a restart")
		return store.NewMemory(), nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Driver:      cfg.Driver,
		Path:        cfg.Path,
		BusyTimeout: busy,
	}, log)
}

func buildProviders(cfg config.ProvidersConfig, log logx.Logger) (provider.Registry, error) {
	reg := provider.Registry{}
	if tg := cfg.Telegram; tg != nil {
		timeout, err := config.ParseDurationField("providers.telegram.timeout", tg.Timeout)
		if err != nil {
			return nil, err
		}
		ad, err := provider.NewTelegram(provider.TelegramConfig{
			Token:   tg.Token,
			Timeout: timeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram provider: %w", err)
		}
		reg[store.ChannelChat] = ad
	}
	if smtp := cfg.SMTP; smtp != nil {
		ad, err := provider.NewEmail(provider.SMTPConfig{
			Host:     smtp.Host,
			Port:     smtp.Port,
			Username: smtp.Username,
			Password: smtp.Password,
			From:     smtp.From,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("smtp provider: %w", err)
		}
		reg[store.ChannelEmail] = ad
	}
	if len(reg) == 0 {
		log.Warn("no providers configured; job creation will be rejected")
	}
	return reg, nil
}

func (a *App) Start(ctx context.Context) error {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if cfg.Sweep.Enabled {
			if _, err := sweep.ParseSchedule(cfg.Sweep.Schedule); err != nil {
				return fmt.Errorf("sweep.schedule: %w", err)
			}
		}
		return nil
	})

	if a.httpAddr != "" {
		if err := a.api.Start(httpapi.Config{Address: a.httpAddr}); err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
	}

	if err := a.ticker.Start(ctx); err != nil {
		return err
	}

	// hot reload fan-out: log level and sweep schedule apply live; the
	// rest requires a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				a.ticker.Apply(c, sweep.Config{
					Enabled:  newCfg.Sweep.Enabled,
					Schedule: newCfg.Sweep.Schedule,
				})

				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started", logx.String("http", a.httpAddr))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.api.Stop(ctx)

	tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.ticker.Stop(tctx)
	cancel()

	// Supervised work (processing passes, config loops) unwinds here. An
	// interrupted pass leaves its job resumable; the next start picks it up.
	if err := a.sup.Stop(ctx); err != nil {
		a.log.Warn("supervised work did not stop cleanly", logx.Err(err))
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}
