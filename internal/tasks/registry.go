// ============================================================================
// Beaver-Audit 任務登記簿 - 背景任務狀態追蹤
// ============================================================================
//
// Package: internal/tasks
// 文件: registry.go
// 功能: 記錄每一個執行中 / 已結束的背景任務，生命週期獨立於 UI
//
// 任務狀態轉換 (State Machine):
//   Running (執行中)
//      ↓ Complete()              ↓ Fail(err)
//   Completed (已完成)          Failed (失敗)
//      ↓ pruneDelay 後自動移除     ↓ 保留，直到 ClearCompleted() / ClearSubject()
//
// 設計說明:
//   1. tasks slice 為唯一真實來源，所有寫入都是「複製 → 修改 → 整體替換」
//      讀取端拿到的 slice 永遠不會被原地修改
//   2. 同一 (family, subject) 可同時存在多筆 Running，登記簿不強制唯一
//   3. Task ID = family-subject-unixnano，時間戳強制遞增，快速連續啟動不會碰撞
//
// 並發安全:
//   - sync.RWMutex 保護 tasks 與 lastStamp
//   - 自動清除使用 time.AfterFunc，回呼時再次檢查狀態
//
// ============================================================================

package tasks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrTaskNotFound 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotRunning 任務已結束，不可再次轉換
	ErrNotRunning = errors.New("task not running")
)

// DefaultPruneDelay 已完成任務保留時間，讓 UI 顯示短暫的完成提示
const DefaultPruneDelay = 5 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Listener 任務變更通知（用於 metrics）
type Listener interface {
	TaskStarted(task types.BackgroundTask)
	TaskFinished(task types.BackgroundTask)
}

// Registry 背景任務登記簿
type Registry struct {
	mu         sync.RWMutex
	tasks      []types.BackgroundTask // 依啟動順序排列
	lastStamp  int64                  // 最後一次發出的時間戳（UnixNano）
	pruneDelay time.Duration
	now        func() time.Time
	listener   Listener
}

// Option 設定 Registry
type Option func(*Registry)

// WithPruneDelay 設定已完成任務的自動移除延遲
func WithPruneDelay(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pruneDelay = d
		}
	}
}

// WithListener 設定狀態變更監聽者
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listener = l }
}

// withClock 測試用時鐘
func withClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry 建立新的任務登記簿
//
// 併發安全：返回的實例是執行緒安全的
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:      make([]types.BackgroundTask, 0),
		pruneDelay: DefaultPruneDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Start 建立 Running 任務並回傳 taskID
//
// 使用範例：
//
//	id := reg.Start(types.FamilyReviews, "biz-42", "Joe's Pizza")
//	defer reg.Complete(id)
func (r *Registry) Start(family types.JobFamily, subjectID types.SubjectID, subjectLabel string) string {
	r.mu.Lock()

	now := r.now()
	stamp := now.UnixNano()
	if stamp <= r.lastStamp {
		stamp = r.lastStamp + 1
	}
	r.lastStamp = stamp

	task := types.BackgroundTask{
		ID:           fmt.Sprintf("%s-%s-%d", family, subjectID, stamp),
		Family:       family,
		SubjectID:    subjectID,
		SubjectLabel: subjectLabel,
		Status:       types.TaskRunning,
		StartedAt:    now,
	}

	next := make([]types.BackgroundTask, len(r.tasks), len(r.tasks)+1)
	copy(next, r.tasks)
	r.tasks = append(next, task)
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.TaskStarted(task)
	}
	return task.ID
}

// Complete 將任務標記為 Completed，並排程在 pruneDelay 後移除
//
// 錯誤處理：
//   - ErrTaskNotFound: 任務不存在（可能已被清除）
//   - ErrNotRunning: 任務已結束
func (r *Registry) Complete(taskID string) error {
	_, err := r.finish(taskID, types.TaskCompleted, "")
	if err != nil {
		return err
	}

	time.AfterFunc(r.pruneDelay, func() { r.prune(taskID) })
	return nil
}

// Fail 將任務標記為 Failed 並記錄錯誤訊息；失敗任務不會自動移除
func (r *Registry) Fail(taskID string, message string) error {
	_, err := r.finish(taskID, types.TaskFailed, message)
	return err
}

func (r *Registry) finish(taskID string, status types.TaskStatus, message string) (types.BackgroundTask, error) {
	r.mu.Lock()

	idx := r.indexOf(taskID)
	if idx < 0 {
		r.mu.Unlock()
		return types.BackgroundTask{}, ErrTaskNotFound
	}
	if r.tasks[idx].Status != types.TaskRunning {
		r.mu.Unlock()
		return types.BackgroundTask{}, ErrNotRunning
	}

	completedAt := r.now()
	next := make([]types.BackgroundTask, len(r.tasks))
	copy(next, r.tasks)
	next[idx].Status = status
	next[idx].CompletedAt = &completedAt
	next[idx].Error = message
	r.tasks = next
	task := next[idx]
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.TaskFinished(task)
	}
	return task, nil
}

// prune 移除仍為 Completed 的任務
func (r *Registry) prune(taskID string) {
	r.removeWhere(func(t types.BackgroundTask) bool {
		return t.ID == taskID && t.Status == types.TaskCompleted
	})
}

// ClearCompleted 移除所有已結束（Completed 與 Failed）的任務
//
// 返回值：
//   - int: 被移除的任務數
func (r *Registry) ClearCompleted() int {
	return r.removeWhere(func(t types.BackgroundTask) bool {
		return t.Status != types.TaskRunning
	})
}

// ClearSubject 移除某 subject 已結束的任務（切換回該 subject 時呼叫）
func (r *Registry) ClearSubject(subjectID types.SubjectID) int {
	return r.removeWhere(func(t types.BackgroundTask) bool {
		return t.SubjectID == subjectID && t.Status != types.TaskRunning
	})
}

func (r *Registry) removeWhere(match func(types.BackgroundTask) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]types.BackgroundTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		if !match(t) {
			next = append(next, t)
		}
	}
	removed := len(r.tasks) - len(next)
	if removed > 0 {
		r.tasks = next
	}
	return removed
}

// ============================================================================
// 查詢方法
// ============================================================================

// List 取得所有任務的副本
//
// 併發安全：使用讀鎖保護
func (r *Registry) List() []types.BackgroundTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.BackgroundTask, len(r.tasks))
	copy(out, r.tasks)
	return out
}

// ListBySubject 取得某 subject 的任務
func (r *Registry) ListBySubject(subjectID types.SubjectID) []types.BackgroundTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.BackgroundTask
	for _, t := range r.tasks {
		if t.SubjectID == subjectID {
			out = append(out, t)
		}
	}
	return out
}

// Get 取得任務
//
// 返回值：
//   - types.BackgroundTask: 任務副本
//   - bool: 是否存在
func (r *Registry) Get(taskID string) (types.BackgroundTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx := r.indexOf(taskID); idx >= 0 {
		return r.tasks[idx], true
	}
	return types.BackgroundTask{}, false
}

// Stats 取得各狀態任務數量
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		string(types.TaskRunning):   0,
		string(types.TaskCompleted): 0,
		string(types.TaskFailed):    0,
	}
	for _, t := range r.tasks {
		stats[string(t.Status)]++
	}
	return stats
}

// indexOf 呼叫端需持有鎖
func (r *Registry) indexOf(taskID string) int {
	for i := range r.tasks {
		if r.tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}
