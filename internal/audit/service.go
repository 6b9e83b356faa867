// ============================================================================
// Beaver-Audit 稽核服務 - 系統核心協調器
// ============================================================================
//
// Package: internal/audit
// 文件: service.go
// 功能: 串接任務登記簿、遠端任務、grid 取樣與結果快取
//
// 控制流程 (每一次執行):
//   1. Registry.Start       - 開啟背景任務紀錄，取得 taskID
//   2. jobclient.RunJob     - 提交 / 輪詢狀態機（grid 為 N 個並發的單點查詢）
//   3. Cache.MergePatch     - 只寫入該 family 擁有的欄位，且寫入啟動時取得的 subject
//   4. Registry.Complete    - 或 Registry.Fail(使用者訊息)，快取保持不變
//
// Subject 切換:
//   - CancelOnSwitch 開啟時，取消前一個 subject 所有執行中的任務
//   - Cache.SwitchSubject   - save → reset → load
//   - Registry.ClearSubject - 清掉新 subject 先前留下的失敗紀錄
//
// 並發安全:
//   - mu 保護 inflight（subject → taskID → cancel）與 subjects
//   - Registry 與 Cache 各自處理自己的鎖
//   - Start* 的 goroutine 由 wg 追蹤，Shutdown 等待它們結束
//
// ============================================================================

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-audit/internal/cache"
	"github.com/ChuLiYu/beaver-audit/internal/grid"
	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/internal/provider"
	"github.com/ChuLiYu/beaver-audit/internal/tasks"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyRunning 同一 (family, subject) 已有執行中的任務
	ErrAlreadyRunning = errors.New("a task of this family is already running for the subject")
	// ErrNoSubject 未指定 subject
	ErrNoSubject = errors.New("subject id is required")
	// ErrShutdown 服務已關閉
	ErrShutdown = errors.New("audit service is shut down")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Subject 被稽核的商家
type Subject struct {
	ID      types.SubjectID `json:"id"`
	Label   string          `json:"label"`
	PlaceID string          `json:"placeId,omitempty"`
}

// Config 服務配置
type Config struct {
	Jobs            map[types.JobFamily]types.JobSpec // 各 family 的時間預算覆寫
	GridConcurrency int                               // grid 同時查詢的格點數
	CancelOnSwitch  bool                              // 切換 subject 時取消前一個 subject 的任務
	ReviewDepth     int                               // 預設評論數量
	Zoom            int                               // 單點 / grid 查詢的地圖縮放
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		GridConcurrency: grid.DefaultConcurrency,
		CancelOnSwitch:  true,
		ReviewDepth:     100,
		Zoom:            15,
	}
}

// GridPointRecorder grid 格點結果通知（metrics）
type GridPointRecorder interface {
	GridPoint(ranked bool)
}

// Service 稽核服務
type Service struct {
	transport provider.Transport
	registry  *tasks.Registry
	cache     *cache.Cache
	sampler   *grid.Sampler
	cfg       Config

	observer jobclient.Observer
	points   GridPointRecorder
	now      func() time.Time

	mu       sync.Mutex
	inflight map[types.SubjectID]map[string]context.CancelFunc
	subjects map[types.SubjectID]Subject
	closed   bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option 設定 Service
type Option func(*Service)

// WithObserver 設定遠端任務事件觀察者
func WithObserver(o jobclient.Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithGridRecorder 設定 grid 格點結果通知
func WithGridRecorder(r GridPointRecorder) Option {
	return func(s *Service) { s.points = r }
}

// withClock 測試用時鐘
func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService 建立稽核服務
//
// 參數：
//   - transport: 供應商 transport（provider.Client 或測試替身）
//   - registry: 背景任務登記簿
//   - c: 結果快取
//   - cfg: 服務配置
func NewService(transport provider.Transport, registry *tasks.Registry, c *cache.Cache, cfg Config, opts ...Option) *Service {
	d := DefaultConfig()
	if cfg.GridConcurrency <= 0 {
		cfg.GridConcurrency = d.GridConcurrency
	}
	if cfg.ReviewDepth <= 0 {
		cfg.ReviewDepth = d.ReviewDepth
	}
	if cfg.Zoom <= 0 {
		cfg.Zoom = d.Zoom
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		transport: transport,
		registry:  registry,
		cache:     c,
		sampler:   grid.NewSampler(cfg.GridConcurrency),
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[types.SubjectID]map[string]context.CancelFunc),
		subjects:  make(map[types.SubjectID]Subject),
		baseCtx:   ctx,
		stop:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	if active := c.Active(); active != "" {
		live := c.Live()
		s.subjects[active] = Subject{ID: active, Label: live.SubjectLabel}
	}
	return s
}

// Registry 取得任務登記簿
func (s *Service) Registry() *tasks.Registry { return s.registry }

// Cache 取得結果快取
func (s *Service) Cache() *cache.Cache { return s.cache }

// ============================================================================
// Subject 切換
// ============================================================================

// SwitchSubject 切換 active subject
//
// 返回值：
//   - bool: 是否真的發生切換
func (s *Service) SwitchSubject(sub Subject) (bool, error) {
	if sub.ID == "" {
		return false, ErrNoSubject
	}
	sub = s.resolve(sub)

	prev := s.cache.Active()
	if prev == sub.ID {
		return false, nil
	}

	if s.cfg.CancelOnSwitch && prev != "" {
		if n := s.cancelSubject(prev); n > 0 {
			log.Info("Canceled in-flight tasks after subject switch", "subject", prev, "count", n)
		}
	}

	changed := s.cache.SwitchSubject(sub.ID, sub.Label)
	if changed {
		s.registry.ClearSubject(sub.ID)
	}
	return changed, nil
}

// cancelSubject 取消某 subject 所有執行中的任務
func (s *Service) cancelSubject(id types.SubjectID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.inflight[id]
	for _, cancel := range running {
		cancel()
	}
	return len(running)
}

// resolve 補齊 label 並記住 subject
func (s *Service) resolve(sub Subject) Subject {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, ok := s.subjects[sub.ID]
	if ok {
		if sub.Label == "" {
			sub.Label = known.Label
		}
		if sub.PlaceID == "" {
			sub.PlaceID = known.PlaceID
		}
	}
	if sub.Label == "" {
		if e, ok := s.cache.Entry(sub.ID); ok {
			sub.Label = e.SubjectLabel
		}
	}
	if sub.Label == "" {
		sub.Label = string(sub.ID)
	}
	s.subjects[sub.ID] = sub
	return sub
}

// ============================================================================
// 執行流程
// ============================================================================

// job 單一 family 的工作：回傳要合併進快取的 patch
type job func(ctx context.Context, log *slog.Logger) (types.Patch, error)

// run 一次執行的狀態
type run struct {
	family  types.JobFamily
	subject Subject
	taskID  string
	runID   string
	ctx     context.Context
	cancel  context.CancelFunc
}

// begin 開啟背景任務並登記取消函式
func (s *Service) begin(parent context.Context, family types.JobFamily, sub Subject) (*run, error) {
	if sub.ID == "" {
		return nil, ErrNoSubject
	}
	sub = s.resolve(sub)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}
	for _, t := range s.registry.ListBySubject(sub.ID) {
		if t.Family == family && t.Status == types.TaskRunning {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, t.ID)
		}
	}

	ctx, cancel := context.WithCancel(parent)
	r := &run{
		family:  family,
		subject: sub,
		taskID:  s.registry.Start(family, sub.ID, sub.Label),
		runID:   uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
	}
	if s.inflight[sub.ID] == nil {
		s.inflight[sub.ID] = make(map[string]context.CancelFunc)
	}
	s.inflight[sub.ID][r.taskID] = cancel
	return r, nil
}

// execute 執行 job 並收尾（快取寫入 + 任務狀態）
func (s *Service) execute(r *run, fn job) error {
	defer s.release(r)

	l := log.With("run", r.runID, "task", r.taskID, "family", r.family, "subject", r.subject.ID)
	l.Info("Task started")

	patch, err := fn(r.ctx, l)
	if err != nil && r.ctx.Err() != nil && !errors.Is(err, jobclient.ErrCanceled) {
		err = &jobclient.JobError{Family: r.family, Kind: jobclient.KindCanceled, Cause: err}
	}
	if err != nil {
		msg := UserMessage(r.family, r.subject.Label, err)
		if ferr := s.registry.Fail(r.taskID, msg); ferr != nil {
			l.Warn("Failed to mark task failed", "error", ferr)
		}
		l.Warn("Task failed", "error", err, "message", msg)
		return &TaskError{TaskID: r.taskID, Message: msg, Err: err}
	}

	if patch.SubjectLabel == nil && r.subject.Label != string(r.subject.ID) {
		label := r.subject.Label
		patch.SubjectLabel = &label
	}
	// 寫入啟動時取得的 subject，而不是目前 active 的 subject
	s.cache.MergePatch(r.subject.ID, patch)

	if cerr := s.registry.Complete(r.taskID); cerr != nil {
		l.Warn("Failed to mark task completed", "error", cerr)
	}
	l.Info("Task completed")
	return nil
}

func (s *Service) release(r *run) {
	r.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.inflight[r.subject.ID]; m != nil {
		delete(m, r.taskID)
		if len(m) == 0 {
			delete(s.inflight, r.subject.ID)
		}
	}
}

// do 同步執行
func (s *Service) do(ctx context.Context, family types.JobFamily, sub Subject, fn job) (string, error) {
	r, err := s.begin(ctx, family, sub)
	if err != nil {
		return "", err
	}
	return r.taskID, s.execute(r, fn)
}

// spawn 非同步執行，立即回傳 taskID
func (s *Service) spawn(family types.JobFamily, sub Subject, fn job) (string, error) {
	r, err := s.begin(s.baseCtx, family, sub)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(r, fn)
	}()
	return r.taskID, nil
}

// jobOptions 每次 RunJob 共用的選項
func (s *Service) jobOptions(l *slog.Logger) []jobclient.Option {
	opts := []jobclient.Option{jobclient.WithLogger(l)}
	if s.observer != nil {
		opts = append(opts, jobclient.WithObserver(s.observer))
	}
	return opts
}

// spec 依 family 建立 JobSpec，套用配置覆寫
func (s *Service) spec(family types.JobFamily, subjectID types.SubjectID, params map[string]any) types.JobSpec {
	spec := types.DefaultSpec(family)
	if o, ok := s.cfg.Jobs[family]; ok {
		if o.MaxWait > 0 {
			spec.MaxWait = o.MaxWait
		}
		if o.PollInterval > 0 {
			spec.PollInterval = o.PollInterval
		}
		if o.MaxRetries > 0 {
			spec.MaxRetries = o.MaxRetries
		}
	}
	spec.SubjectID = subjectID
	spec.Params = params
	return spec
}

// ============================================================================
// 關閉
// ============================================================================

// Shutdown 取消所有執行中的任務並等待背景 goroutine 結束
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 等待所有非同步任務結束（測試與 CLI 使用）
func (s *Service) Wait() {
	s.wg.Wait()
}

func marshalRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return b, nil
}
