package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/api"
	"github.com/eddiefleurent/delta_hedger/internal/broker"
	"github.com/eddiefleurent/delta_hedger/internal/config"
	"github.com/eddiefleurent/delta_hedger/internal/hedger"
	"github.com/eddiefleurent/delta_hedger/internal/metrics"
	"github.com/eddiefleurent/delta_hedger/internal/mock"
	"github.com/eddiefleurent/delta_hedger/internal/notify"
	"github.com/eddiefleurent/delta_hedger/internal/orders"
	"github.com/eddiefleurent/delta_hedger/internal/reconciler"
	"github.com/eddiefleurent/delta_hedger/internal/scheduler"
	"github.com/eddiefleurent/delta_hedger/internal/storage"
	"github.com/eddiefleurent/delta_hedger/internal/strategy"
	"github.com/sirupsen/logrus"
)

// app holds every long-lived component of a running hedger.
type app struct {
	gateway   broker.Gateway
	paper     *mock.PaperGateway // nil in live mode
	ledger    storage.Interface
	metrics   *metrics.Metrics
	poller    *reconciler.Poller
	scheduler *scheduler.Scheduler
	service   *hedger.Service
	server    *api.Server
	closers   []func() error
	log       logrus.FieldLogger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("Close failed")
		}
	}
}

// build constructs the component graph from cfg without starting anything.
func build(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*app, error) {
	a := &app{log: logger}

	ledger, err := storage.NewStorage(ctx, storageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = ledger
	a.closers = append(a.closers, ledger.Close)

	gateway, err := buildGateway(ctx, cfg, logger, a)
	if err != nil {
		a.close()
		return nil, err
	}
	a.gateway = gateway

	a.metrics = metrics.New()
	selector := strategy.NewSelector(gateway, strategy.Options{Log: logger})
	executor := orders.NewExecutor(gateway, ledger, selector, logger, orders.Config{
		CallTimeout: cfg.CallTimeout(),
	})

	a.poller = reconciler.New(
		gateway,
		ledger,
		executor,
		accounts(cfg),
		buildNotifier(cfg, logger),
		a.metrics,
		logger,
		reconciler.Config{CallTimeout: cfg.CallTimeout()},
	)

	a.scheduler, err = scheduler.New(a.poller, ledger, schedulerConfig(cfg), a.metrics, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	a.service = hedger.NewService(ledger, a.scheduler, cfg.AccountIDs(), logger)
	a.server = api.NewServer(api.Config{
		Port:      cfg.API.Port,
		AuthToken: cfg.API.AuthToken,
	}, a.service, a.metrics.Handler(), logger)
	return a, nil
}

// buildGateway picks the venue, then layers the circuit breaker and the
// optional redis cache on top.
func buildGateway(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, a *app) (broker.Gateway, error) {
	var venue broker.Gateway
	if cfg.IsPaperTrading() {
		paper := mock.NewPaperGateway(mock.PaperConfig{Spot: cfg.Paper.Spot, Jitter: true})
		now := time.Now().UTC()
		for currency, spot := range cfg.Paper.Spot {
			n := paper.SeedChain(mock.ChainSpec{Currency: currency, Spot: spot, Weeks: cfg.Paper.Weeks}, now)
			logger.WithFields(logrus.Fields{"currency": currency, "instruments": n}).Info("Seeded paper option chain")
		}
		venue = paper
		a.paper = paper
	} else {
		venue = broker.NewDeribitClient(deribitConfig(cfg), logger)
	}

	gateway := broker.Gateway(broker.NewCircuitBreakerGatewayWithSettings(venue, cfg.Breaker, logger))

	if cfg.Cache.Enabled {
		store, err := broker.NewRedisStore(ctx, broker.CacheConfig{
			Addr:       cfg.Cache.Addr,
			Password:   cfg.Cache.Password,
			DB:         cfg.Cache.DB,
			TLSEnabled: cfg.Cache.TLS,
		})
		if err != nil {
			return nil, fmt.Errorf("connect cache: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		gateway = broker.NewCachedGateway(gateway, store, cfg.QuoteTTL(), cfg.InstrumentsTTL(), logger)
	}
	return gateway, nil
}

func buildNotifier(cfg *config.Config, logger logrus.FieldLogger) notify.Notifier {
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	return notify.NewDispatcher(senders, cfg.Notify.Events, logger)
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:        cfg.Storage.Driver,
		DSN:           cfg.Storage.DSN,
		MaxConns:      cfg.Storage.MaxConns,
		MinConns:      cfg.Storage.MinConns,
		RunMigrations: cfg.Storage.RunMigrations,
	}
}

func deribitConfig(cfg *config.Config) broker.DeribitConfig {
	keys := make(map[string]broker.AccountKey, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		keys[a.ID] = broker.AccountKey{ClientID: a.ClientID, ClientSecret: a.ClientSecret}
	}
	return broker.DeribitConfig{
		Accounts: keys,
		BaseURL:  cfg.Venue.APIEndpoint,
		Retry:    cfg.Venue.Retry,
		Timeout:  cfg.VenueTimeout(),
		Testnet:  cfg.Venue.Testnet,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		PositionInterval: cfg.PositionInterval(),
		OrderInterval:    cfg.OrderInterval(),
		PurgeSchedule:    cfg.Schedule.PurgeSchedule,
		OrderGraceDays:   cfg.Schedule.OrderGraceDays,
	}
}

func accounts(cfg *config.Config) []reconciler.Account {
	out := make([]reconciler.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		out = append(out, reconciler.Account{ID: a.ID, Currencies: a.Currencies})
	}
	return out
}
