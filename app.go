package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/barineco/illo-sub000/cache"
	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/events"
	"github.com/barineco/illo-sub000/queue"
	"github.com/barineco/illo-sub000/util"
	"github.com/barineco/illo-sub000/web"
	"go.uber.org/zap"
)

// app is the wired federation core shared by all commands.
type app struct {
	conf      *util.AppConfig
	apConf    activitypub.Config
	log       *zap.Logger
	store     *db.DB
	cache     cache.Cache
	redis     *cache.Redis
	queue     queue.Queue
	events    events.Publisher
	fetcher   *activitypub.Fetcher
	dir       *activitypub.Directory
	prober    *activitypub.Prober
	delivery  *activitypub.Delivery
	outbox    *activitypub.Outbox
	processor *activitypub.Processor
	paginator *activitypub.Paginator
}

func openStore(conf *util.AppConfig, logger *zap.Logger) (*db.DB, error) {
	store, err := db.Open(conf.Database.Driver, conf.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return store, nil
}

// newApp opens the store and builds every component. Background workers are
// not started.
func newApp(ctx context.Context, conf *util.AppConfig, logger *zap.Logger) (*app, error) {
	store, err := openStore(conf, logger)
	if err != nil {
		return nil, err
	}
	a := &app{conf: conf, apConf: activitypub.ConfigFromApp(conf), log: logger, store: store}

	if conf.Redis.Addr != "" {
		a.redis = cache.NewRedis(cache.RedisOptions{Addr: conf.Redis.Addr, Password: conf.Redis.Password, DB: conf.Redis.DB})
		if err := a.redis.Ping(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("connecting to redis %s: %w", conf.Redis.Addr, err)
		}
		a.cache = a.redis
		logger.Info("cache: using redis", zap.String("addr", conf.Redis.Addr))
	} else {
		a.cache = cache.NewMemory()
	}

	switch conf.Queue.Driver {
	case "memory":
		a.queue = queue.NewMemory(conf.Queue.Workers, logger.Named("queue"))
	case "", "sql":
		a.queue = queue.NewSQL(store, conf.Queue.Workers, conf.Queue.PollInterval, logger.Named("queue"))
	default:
		a.close()
		return nil, fmt.Errorf("unknown queue driver %q", conf.Queue.Driver)
	}

	if len(conf.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: conf.Kafka.Brokers, Topic: conf.Kafka.Topic})
		if err != nil {
			a.close()
			return nil, err
		}
		a.events = pub
	} else {
		a.events = events.NewLogPublisher(logger.Named("events"))
	}

	client := &http.Client{}
	a.fetcher = activitypub.NewFetcher(a.apConf, client, logger)
	a.dir = activitypub.NewDirectory(store, a.cache, a.fetcher, a.apConf, logger)
	a.prober = activitypub.NewProber(store, a.cache, a.fetcher, a.apConf, logger)
	a.delivery = activitypub.NewDelivery(store, a.queue, a.dir, client, logger)
	a.outbox = activitypub.NewOutbox(store, a.dir, a.delivery, a.prober, logger)
	a.processor = activitypub.NewProcessor(store, a.dir, a.outbox, a.events, logger)
	a.paginator = activitypub.NewPaginator(store, a.outbox)
	return a, nil
}

func (a *app) router(ctx context.Context) http.Handler {
	return web.NewRouter(ctx, web.Deps{
		Store:     a.store,
		Directory: a.dir,
		Outbox:    a.outbox,
		Processor: a.processor,
		Paginator: a.paginator,
		Logger:    a.log,
	})
}

func (a *app) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Warn("events: close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("db: close failed", zap.Error(err))
	}
}
