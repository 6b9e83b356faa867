package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-audit/internal/audit"
	"github.com/ChuLiYu/beaver-audit/internal/cache"
	"github.com/ChuLiYu/beaver-audit/internal/config"
	"github.com/ChuLiYu/beaver-audit/internal/metrics"
	"github.com/ChuLiYu/beaver-audit/internal/mirror"
	"github.com/ChuLiYu/beaver-audit/internal/provider"
	"github.com/ChuLiYu/beaver-audit/internal/snapshot"
	"github.com/ChuLiYu/beaver-audit/internal/tasks"
)

// newTransport 建立供應商 transport；測試中替換
var newTransport = func(cfg *config.Config) provider.Transport {
	return provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.BaseURL,
		Login:          cfg.Provider.Login,
		Password:       cfg.Provider.Password,
		RequestTimeout: cfg.Provider.RequestTimeout,
	})
}

// app 組裝好的元件
type app struct {
	collector *metrics.Collector
	registry  *tasks.Registry
	cache     *cache.Cache
	queue     *mirror.Queue
	pg        *mirror.PGStore
	svc       *audit.Service
}

// newApp 依設定組裝所有元件
//
// 啟動順序：
//  1. metrics collector
//  2. mirror store（有 DSN 時連 Postgres，否則只記錄日誌）與寫入佇列
//  3. 結果快取，從本地快照還原
//  4. 任務登記簿與稽核服務
func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	a := &app{collector: metrics.NewCollector(reg)}

	var store mirror.Store = mirror.LogStore{}
	if dsn := cfg.Mirror.DatabaseURL; dsn != "" {
		pg, err := mirror.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect mirror database: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to prepare mirror schema: %w", err)
		}
		a.pg = pg
		store = pg
	}

	a.queue = mirror.NewQueue(store, mirror.Config{
		BufferSize:     cfg.Mirror.BufferSize,
		InitialBackoff: cfg.Mirror.InitialBackoff,
		MaxElapsed:     cfg.Mirror.MaxElapsed,
		WriteTimeout:   cfg.Mirror.WriteTimeout,
	}, a.collector)
	if err := a.queue.Start(); err != nil {
		a.closeStores()
		return nil, fmt.Errorf("failed to start mirror queue: %w", err)
	}

	a.cache = cache.New(
		cache.WithStore(snapshot.NewManager(cfg.Cache.SnapshotPath)),
		cache.WithMirror(a.queue),
	)
	if err := a.cache.Restore(); err != nil {
		// 快照損壞或版本不符時以空快取啟動，下一次寫入會覆蓋
		log.Warn("Failed to restore result cache, starting empty", "path", cfg.Cache.SnapshotPath, "error", err)
	}

	a.registry = tasks.NewRegistry(
		tasks.WithPruneDelay(cfg.Tasks.PruneDelay),
		tasks.WithListener(a.collector),
	)

	a.svc = audit.NewService(newTransport(cfg), a.registry, a.cache, audit.Config{
		Jobs:            cfg.JobSpecs(),
		GridConcurrency: cfg.Grid.Concurrency,
		CancelOnSwitch:  cfg.CancelOnSwitch(),
		ReviewDepth:     cfg.Jobs.ReviewDepth,
		Zoom:            cfg.Grid.Zoom,
	}, audit.WithObserver(a.collector), audit.WithGridRecorder(a.collector))

	return a, nil
}

// close 依反向順序關閉：任務 → 快取 → mirror 佇列 → 資料庫
func (a *app) close(ctx context.Context) {
	if err := a.svc.Shutdown(ctx); err != nil {
		log.Warn("Audit service shutdown timed out", "error", err)
	}
	a.cache.SaveCurrent()

	done := make(chan struct{})
	go func() {
		a.queue.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Mirror queue drain timed out, aborting", "pending", a.queue.Pending())
		a.queue.Abort()
	}
	a.closeStores()
}

func (a *app) closeStores() {
	if a.pg != nil {
		a.pg.Close()
	}
}
