// ============================================================================
// Beaver-Audit 結果快取 - 每個 subject 一份彙總結果
// ============================================================================
//
// Package: internal/cache
// 文件: cache.go
// 功能: 保存每個 subject 最新的任務結果，支援 merge-patch 與安全的 subject 切換
//
// 兩層狀態:
//   live    - 目前 active subject 的工作狀態（dashboard 正在顯示的內容）
//   entries - 每個 subject 的快取條目，切換時由 live 寫回
//
// 切換流程 (SwitchSubject):
//   1. 同一個 id → no-op
//   2. 舊 subject 有資料 → SaveCurrent() 將 live 寫回 entries
//   3. 重置 live
//   4. LoadCached(new) → 有條目就載入為新的 live
//
// MergePatch 永遠寫入呼叫端在任務開始時取得的 subjectID，
// 只有該 subject 剛好是 active 時才同步更新 live。
//
// 持久化:
//   - 每次寫入都把整份快照交給 LocalStore（internal/snapshot）
//   - MergePatch 另外以 top-level key 文件轉給 Mirror（best-effort）
//
// ============================================================================

package cache

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

var log = slog.Default()

// LocalStore 本地快照儲存（由 snapshot.Manager 實作）
type LocalStore interface {
	Write(data types.CacheSnapshot) error
	Load() (types.CacheSnapshot, error)
}

// Mirror 外部儲存鏡像，只接收有變更的 top-level key
type Mirror interface {
	Enqueue(subjectID types.SubjectID, doc map[string]json.RawMessage) bool
}

// Cache 每個 subject 的結果快取
//
// 併發安全：所有公開方法都可以同時呼叫
type Cache struct {
	mu      sync.RWMutex
	active  types.SubjectID
	live    types.SubjectResultCache
	entries map[types.SubjectID]*types.SubjectResultCache

	persistMu sync.Mutex // 保證快照依序寫入
	store     LocalStore
	mirror    Mirror
	now       func() time.Time
}

// Option 設定 Cache
type Option func(*Cache)

// WithStore 設定本地快照儲存
func WithStore(s LocalStore) Option {
	return func(c *Cache) { c.store = s }
}

// WithMirror 設定外部鏡像
func WithMirror(m Mirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// withClock 測試用時鐘
func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New 建立空的快取
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[types.SubjectID]*types.SubjectResultCache),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// 啟動還原
// ============================================================================

// Restore 從 LocalStore 載入上次的快照
//
// 在任何任務重跑之前呼叫，讓 dashboard 立即顯示上次的結果。
func (c *Cache) Restore() error {
	if c.store == nil {
		return nil
	}
	data, err := c.store.Load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[types.SubjectID]*types.SubjectResultCache, len(data.Entries))
	for id, e := range data.Entries {
		if e == nil {
			continue
		}
		cp := clone(*e)
		cp.SubjectID = id
		c.entries[id] = &cp
	}
	c.active = data.ActiveSubject

	switch {
	case data.Live != nil:
		c.live = clone(*data.Live)
	case c.entries[c.active] != nil:
		c.live = clone(*c.entries[c.active])
	default:
		c.live = types.SubjectResultCache{SubjectID: c.active}
	}

	log.Info("result cache restored", "active", c.active, "entries", len(c.entries))
	return nil
}

// ============================================================================
// Subject 切換
// ============================================================================

// SwitchSubject 切換 active subject
//
// 返回值：
//   - bool: 是否真的發生切換（同一 id 為 false）
func (c *Cache) SwitchSubject(newID types.SubjectID, label string) bool {
	c.mu.Lock()
	if newID == c.active {
		c.mu.Unlock()
		return false
	}

	if c.active != "" && c.live.HasData() {
		c.saveLocked()
	}

	c.active = newID
	c.live = types.SubjectResultCache{SubjectID: newID, SubjectLabel: label}
	if c.loadLocked(newID) && label != "" {
		c.live.SubjectLabel = label
	}
	c.mu.Unlock()

	c.persist()
	return true
}

// SaveCurrent 將 live 工作狀態寫回 active subject 的快取條目
func (c *Cache) SaveCurrent() {
	c.mu.Lock()
	if c.active == "" {
		c.mu.Unlock()
		return
	}
	c.saveLocked()
	c.mu.Unlock()

	c.persist()
}

func (c *Cache) saveLocked() {
	cp := clone(c.live)
	cp.SubjectID = c.active
	c.entries[c.active] = &cp
}

// LoadCached 將 subject 的快取條目載入為 live 工作狀態
//
// 返回值：
//   - bool: 條目是否存在；不存在時 live 保持不變
func (c *Cache) LoadCached(id types.SubjectID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(id)
}

func (c *Cache) loadLocked(id types.SubjectID) bool {
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	c.live = clone(*e)
	return true
}

// ============================================================================
// 寫入
// ============================================================================

// MergePatch 把 patch 合併進 subjectID 的快取條目
//
// patch 中為 nil 的欄位不會覆寫既有值。subjectID 若為 active，live 一併更新。
func (c *Cache) MergePatch(subjectID types.SubjectID, p types.Patch) {
	if subjectID == "" || p.Empty() {
		return
	}
	at := c.now()

	c.mu.Lock()
	e, ok := c.entries[subjectID]
	if !ok {
		e = &types.SubjectResultCache{SubjectID: subjectID}
		c.entries[subjectID] = e
	}
	apply(e, p, at)
	if subjectID == c.active {
		apply(&c.live, p, at)
	}
	c.mu.Unlock()

	c.persist()

	if c.mirror != nil {
		doc, err := Document(p, at)
		if err != nil {
			log.Warn("mirror document encode failed", "subject", subjectID, "error", err)
			return
		}
		if !c.mirror.Enqueue(subjectID, doc) {
			log.Warn("mirror patch dropped", "subject", subjectID)
		}
	}
}

// UpdateLive 只修改 live 工作狀態（例如 dashboard 上重新計算的分數）
//
// 變更會在下一次 SaveCurrent 或切換 subject 時寫回快取條目。
func (c *Cache) UpdateLive(p types.Patch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" || p.Empty() {
		return false
	}
	apply(&c.live, p, time.Time{})
	return true
}

// persist 將目前整份快取寫入 LocalStore；失敗只記錄日誌
func (c *Cache) persist() {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if err := c.store.Write(c.Snapshot()); err != nil {
		log.Warn("result cache persist failed", "error", err)
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Active 取得 active subject id
func (c *Cache) Active() types.SubjectID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Live 取得 live 工作狀態的深拷貝
func (c *Cache) Live() types.SubjectResultCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.live)
}

// Entry 取得某 subject 快取條目的深拷貝
func (c *Cache) Entry(id types.SubjectID) (types.SubjectResultCache, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return types.SubjectResultCache{}, false
	}
	return clone(*e), true
}

// Subjects 取得所有有快取條目的 subject
func (c *Cache) Subjects() []types.SubjectID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.SubjectID, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// Snapshot 取得整份快取的深拷貝
func (c *Cache) Snapshot() types.CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := types.CacheSnapshot{
		ActiveSubject: c.active,
		Entries:       make(map[types.SubjectID]*types.SubjectResultCache, len(c.entries)),
	}
	for id, e := range c.entries {
		cp := clone(*e)
		snap.Entries[id] = &cp
	}
	if c.active != "" {
		live := clone(c.live)
		snap.Live = &live
	}
	return snap
}
