package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
	"github.com/ChuLiYu/itinerary-coord/internal/changeengine"
	"github.com/ChuLiYu/itinerary-coord/internal/controller"
	"github.com/ChuLiYu/itinerary-coord/internal/deadletter"
	"github.com/ChuLiYu/itinerary-coord/internal/docstore"
	"github.com/ChuLiYu/itinerary-coord/internal/handlers"
	"github.com/ChuLiYu/itinerary-coord/internal/metrics"
	"github.com/ChuLiYu/itinerary-coord/internal/notify"
	"github.com/ChuLiYu/itinerary-coord/internal/retry"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore/sqlitestore"
)

// app 依設定組裝的元件；closers 依開啟的反序關閉
type app struct {
	cfg *Config

	registry *prometheus.Registry
	metrics  *metrics.Collector

	tasks      taskstore.Store
	deadLetter deadletter.Sink
	controller *controller.Controller
	documents  docstore.Store
	engine     *changeengine.Engine
	breakers   *breaker.Registry

	closers []func() error
}

type appOptions struct {
	tasks     bool
	documents bool
}

func openApp(ctx context.Context, cfg *Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	a.metrics = metrics.NewCollector(a.registry)
	a.breakers = breaker.NewRegistry(cfg.Breakers.Default, cfg.Breakers.Dependencies,
		breaker.WithListener(func(name string, _, to breaker.State) {
			a.metrics.SetBreakerState(name, int(to))
			log.Printf("Breaker %s is now %s\n", name, to)
		}))

	// 事件：Redis Stream 與 webhook 任務可同時啟用。
	// 傳指標給 controller / engine：webhook publisher 需要 controller，之後才加入。
	var pubs notify.Multi
	if cfg.Notify.Redis.Enabled {
		rp := notify.NewRedisPublisher(cfg.Notify.Redis.RedisOptions)
		a.closers = append(a.closers, rp.Close)
		pubs = append(pubs, rp)
	}

	if opts.tasks {
		if err := a.openTasks(ctx); err != nil {
			return nil, err
		}
		ctrlCfg := controller.Config{
			SweepInterval:    cfg.Storage.SweepInterval,
			SnapshotInterval: cfg.Storage.SnapshotInterval,
			Policy:           retry.NewPolicy(cfg.Retry.Default, cfg.Retry.Kinds),
			DeadLetters:      a.deadLetter,
			Publisher:        &pubs,
			Metrics:          a.metrics,
		}
		a.controller, err = controller.NewController(a.tasks, ctrlCfg)
		if err != nil {
			return nil, err
		}
		if cfg.Notify.Webhook.URL != "" {
			pubs = append(pubs, handlers.NewWebhookPublisher(a.controller,
				cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Events, cfg.Notify.Webhook.Headers))
		}
	}

	if opts.documents {
		if err := a.openDocuments(ctx); err != nil {
			return nil, err
		}
		a.engine = changeengine.New(a.documents, changeengine.Config{
			Conflict:         cfg.Documents.Conflict,
			MaxCommitRetries: cfg.Documents.MaxCommitRetries,
			Publisher:        &pubs,
			Metrics:          a.metrics,
		})
	}
	return a, nil
}

func (a *app) openTasks(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Storage.Driver != DriverMemory || cfg.Storage.DeadLetters == DriverBolt {
		if err := os.MkdirAll(cfg.Storage.Dir, 0755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	switch cfg.Storage.Driver {
	case DriverMemory:
		a.tasks = taskstore.NewMemory()
	case DriverWAL:
		d, err := taskstore.OpenDurable(taskstore.DurableOptions{
			Dir:             cfg.Storage.Dir,
			SyncOnAppend:    cfg.Storage.SyncOnAppend,
			FlushInterval:   cfg.Storage.FlushInterval,
			SnapshotBackups: cfg.Storage.SnapshotBackups,
		})
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		a.tasks = d
	case DriverSQLite:
		s, err := sqlitestore.Open(filepath.Join(cfg.Storage.Dir, "tasks.db"))
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		a.tasks = s
		// SQLite 儲存同時是死信儲存
		a.deadLetter = s
	}
	a.closers = append(a.closers, a.tasks.Close)

	if a.deadLetter != nil {
		return nil
	}
	switch cfg.Storage.DeadLetters {
	case DriverBolt:
		s, err := deadletter.OpenBoltSink(ctx, filepath.Join(cfg.Storage.Dir, "deadletters.db"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		a.deadLetter = s
	default:
		a.deadLetter = deadletter.NewMemorySink()
	}
	return nil
}

func (a *app) openDocuments(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Documents.Driver {
	case DriverBolt:
		path := cfg.Documents.Path
		if path == "" {
			path = filepath.Join(cfg.Storage.Dir, "documents.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create documents dir: %w", err)
		}
		s, err := docstore.OpenBolt(ctx, path)
		if err != nil {
			return err
		}
		a.documents = s
	default:
		a.documents = docstore.NewMemory()
	}
	a.closers = append(a.closers, a.documents.Close)
	return nil
}

// Close closes everything that was opened, newest first.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
