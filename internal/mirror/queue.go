// ============================================================================
// Beaver-Audit Mirror Queue - 外部儲存的背景寫入
// ============================================================================
//
// Package: internal/mirror
// 文件: queue.go
// 功能: 將快取 merge-patch 以 fire-and-forget 方式寫入外部儲存
//
// 架構:
//   Cache.MergePatch --Enqueue()--> patchCh --> worker --> Store.Upsert
//                                                 ↑ backoff 重試
//
// 生命週期:
//   1. NewQueue() - 建立 Queue，初始化 channel
//   2. Start()    - 啟動單一 worker goroutine
//   3. Enqueue()  - 非阻塞提交；channel 滿時丟棄並回傳 false
//   4. Stop()     - 關閉 channel，等待 worker 寫完剩餘項目
//
// 順序:
//   單一 worker 依序處理，同一 subject 的 patch 不會亂序寫入
//
// 錯誤處理:
//   - 每筆寫入以指數退避重試，直到 MaxElapsed
//   - 最終失敗只記錄日誌，不回報給使用者，也不回滾記憶體快取
//
// ============================================================================

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrQueueClosed Queue 已關閉
	ErrQueueClosed = errors.New("mirror queue is closed")
	// ErrQueueNotStarted Queue 尚未啟動
	ErrQueueNotStarted = errors.New("mirror queue not started")
)

// Recorder 寫入結果通知（用於 metrics）
type Recorder interface {
	MirrorWrite(result string)
}

// 寫入結果標籤
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

type item struct {
	subjectID types.SubjectID
	doc       Document
}

// Config Queue 參數
type Config struct {
	BufferSize     int
	InitialBackoff time.Duration
	MaxElapsed     time.Duration // 單筆寫入重試總時間
	WriteTimeout   time.Duration // 單次 Upsert 逾時
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		BufferSize:     256,
		InitialBackoff: 200 * time.Millisecond,
		MaxElapsed:     30 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// Queue 單一 worker 的背景寫入佇列
type Queue struct {
	store    Store
	cfg      Config
	recorder Recorder

	patchCh chan item
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.RWMutex
}

// NewQueue 建立 Queue
func NewQueue(store Store, cfg Config, recorder Recorder) *Queue {
	d := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = d.MaxElapsed
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	return &Queue{
		store:    store,
		cfg:      cfg,
		recorder: recorder,
		patchCh:  make(chan item, cfg.BufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動 worker
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return errors.New("mirror queue already started")
	}
	if q.stopped {
		return ErrQueueClosed
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run()
	}()

	q.started = true
	return nil
}

// Enqueue 非阻塞提交 patch
//
// 返回值：
//   - bool: false 表示 patch 被丟棄（未啟動、已關閉或 channel 已滿）
func (q *Queue) Enqueue(subjectID types.SubjectID, doc map[string]json.RawMessage) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if err := q.acceptErr(); err != nil {
		log.Debug("mirror patch dropped", "subject", subjectID, "error", err)
		q.record(ResultDropped)
		return false
	}

	select {
	case q.patchCh <- item{subjectID: subjectID, doc: Document(doc)}:
		return true
	default:
		log.Warn("mirror queue full, dropping patch", "subject", subjectID)
		q.record(ResultDropped)
		return false
	}
}

// Ready 回傳 nil 表示 Queue 可接受新項目，否則為 ErrQueueNotStarted 或 ErrQueueClosed
func (q *Queue) Ready() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.acceptErr()
}

// acceptErr 需持有 q.mu
func (q *Queue) acceptErr() error {
	switch {
	case q.stopped:
		return ErrQueueClosed
	case !q.started:
		return ErrQueueNotStarted
	}
	return nil
}

// Stop 停止接受新項目，並等待剩餘項目寫完
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.stopped = true
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.patchCh)
	q.mu.Unlock()

	q.wg.Wait()
}

// Abort 立即停止 worker，放棄重試中的寫入
func (q *Queue) Abort() {
	q.mu.Lock()
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	q.mu.Unlock()
	q.Stop()
}

// Pending 目前 channel 中待寫的數量
func (q *Queue) Pending() int {
	return len(q.patchCh)
}

func (q *Queue) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for it := range q.patchCh {
		if err := q.write(ctx, it); err != nil {
			log.Warn("mirror write failed", "subject", it.subjectID, "error", err)
			q.record(ResultFailed)
			continue
		}
		q.record(ResultOK)
	}
}

func (q *Queue) write(ctx context.Context, it item) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxElapsedTime = q.cfg.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		wctx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
		defer cancel()
		err := q.store.Upsert(wctx, it.subjectID, it.doc)
		if err != nil {
			log.Debug("mirror write attempt failed", "subject", it.subjectID, "attempt", attempt, "error", err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (q *Queue) record(result string) {
	if q.recorder != nil {
		q.recorder.MirrorWrite(result)
	}
}
