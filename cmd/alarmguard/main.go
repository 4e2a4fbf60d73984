package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"alarmguard/internal/alerting"
	"alarmguard/internal/alerts"
	"alarmguard/internal/api"
	"alarmguard/internal/archive"
	"alarmguard/internal/businessrules"
	"alarmguard/internal/config"
	"alarmguard/internal/coordinator"
	"alarmguard/internal/incident"
	"alarmguard/internal/ingest"
	"alarmguard/internal/kv"
	"alarmguard/internal/logging"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
	"alarmguard/internal/notify"
	"alarmguard/internal/profile"
	"alarmguard/internal/provider"
	"alarmguard/internal/storage"
	"alarmguard/internal/tagging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "alarmguard.yaml", "Path to the YAML configuration file")
	once := flag.Bool("once", false, "Run a single poll cycle and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfgManager, err := config.NewManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfgManager.Get().LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgManager, logger, *once); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("alarmguard stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("alarmguard stopped")
}

func run(ctx context.Context, cfgManager *config.Manager, logger *slog.Logger, once bool) error {
	cfg := cfgManager.Get()
	logger.Info("configuration loaded", "path", cfgManager.Path(), "version", version,
		"dropbox", cfg.Ingestion.Dropbox.Enabled, "email", cfg.Ingestion.Email.Enabled,
		"storage", cfg.Storage.Driver, "redis", cfg.Redis.Enabled, "kafka", cfg.Notify.Kafka.Enabled)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var locker kv.Locker
	var counter kv.Counter
	if cfg.Redis.Enabled {
		client, err := kv.NewRedis(cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = kv.NewRedisLocker(client, cfg.Redis.KeyPrefix)
		counter = kv.NewRedisCounter(client, cfg.Redis.KeyPrefix)
	} else {
		logger.Warn("redis disabled, locks and dedup counters are process local")
		mem := kv.NewMemory()
		locker, counter = mem, mem
	}

	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
	}
	stats := metrics.NewStore(0)
	alertStore := alerts.NewStore(cfg.API.AlertsLimit)

	var publisher alerting.Publisher = notify.Noop{}
	if cfg.Notify.Kafka.Enabled {
		kp, err := notify.NewKafkaPublisher(cfg.Notify.Kafka, logging.Component(logger, "notify"))
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
	}

	var mirror archive.Mirror
	if cfg.Archive.S3.Enabled {
		s3m, err := archive.NewS3Mirror(ctx, cfg.Archive.S3, logging.Component(logger, "archive"))
		if err != nil {
			return err
		}
		mirror = s3m
	}
	archiver := archive.New(cfg.Archive.Root, mirror, logging.Component(logger, "archive"))

	var adapters []ingest.Adapter
	if cfg.Ingestion.Dropbox.Enabled {
		adapters = append(adapters, ingest.NewDropbox(cfg.Ingestion.Dropbox, archiver, store, logging.Component(logger, "dropbox")))
	}
	if cfg.Ingestion.Email.Enabled {
		emailLogger := logging.Component(logger, "email")
		dial := ingest.IMAPDialer(cfg.Ingestion.Email, emailLogger)
		adapters = append(adapters, ingest.NewEmail(cfg.Ingestion.Email, dial, store, archiver, emailLogger))
	}

	alertEngine := alerting.NewEngine(cfg, logging.Component(logger, "alerting"), registry, alertStore, publisher)
	rules := businessrules.NewEngine(cfg.Rules, logging.Component(logger, "rules"), registry)
	coord := coordinator.New(cfg, coordinator.Deps{
		Store:     store,
		Locker:    locker,
		Counter:   counter,
		Profiles:  profile.NewManager(cfg.Profiles, store, logging.Component(logger, "profiles")),
		Providers: provider.NewResolver(store, logging.Component(logger, "providers")),
		Tagging:   tagging.NewService(store, cfg.Tagging.Catalog, logging.Component(logger, "tagging")),
		Alerting:  alertEngine,
		Rules:     rules,
		Incidents: incident.NewService(logging.Component(logger, "incidents"), registry),
		Metrics:   registry,
		Stats:     stats,
		Adapters:  adapters,
		Logger:    logging.Component(logger, "coordinator"),
	})
	if err := coord.Validate(); err != nil {
		return err
	}
	if err := coord.Reload(ctx); err != nil {
		logger.Warn("initial cache load incomplete", "err", err)
	}

	if once {
		coord.PollOnce(ctx)
		return nil
	}

	watchStop := make(chan struct{})
	defer close(watchStop)
	go cfgManager.Watch(0, func(next *config.Config) {
		coord.UpdateConfig(next)
		logger.Info("configuration reloaded", "path", cfgManager.Path())
	}, func(err error) {
		logger.Error("configuration reload failed", "err", err)
	}, watchStop)

	api.Start(ctx, cfgManager, api.Deps{
		Pipeline: coord,
		Store:    store,
		Stats:    stats,
		Alerts:   alertStore,
		Registry: registry,
		Replay: func(ctx context.Context, opts businessrules.ReplayOptions) (businessrules.ReplayResult, error) {
			// Replayed alerts are recorded as hits but never published.
			replayAlerts := alerting.NewEngine(cfgManager.Get(), logging.Component(logger, "replay"), nil, nil, nil)
			return rules.Replay(ctx, store, opts, replayAlerts)
		},
		DryRun: func(ctx context.Context, ruleID int64, rule model.AlertRule, sample alerting.Sample, ref time.Time) (alerting.Report, error) {
			if ruleID > 0 {
				found, err := activeRule(ctx, store, ruleID)
				if err != nil {
					return alerting.Report{}, err
				}
				rule = found
			}
			return alertEngine.DryRun(ctx, store, sample, rule, ref)
		},
	}, logging.Component(logger, "api"), version)

	return coord.Run(ctx)
}

func activeRule(ctx context.Context, store *storage.Store, id int64) (model.AlertRule, error) {
	list, err := store.ActiveRules(ctx)
	if err != nil {
		return model.AlertRule{}, err
	}
	for _, r := range list {
		if r.ID == id {
			return r, nil
		}
	}
	return model.AlertRule{}, fmt.Errorf("rule %d: %w", id, storage.ErrNotFound)
}
