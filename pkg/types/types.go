// Package types 定義了 beaver-audit 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"time"
)

// SubjectID 被稽核商家（subject）的唯一識別碼
type SubjectID string

// JobFamily 遠端任務類別
type JobFamily string

// 定義任務類別常數
const (
	FamilyReviews   JobFamily = "reviews"    // 評論收集：提交後需輪詢數分鐘
	FamilyScrape    JobFamily = "scrape"     // 頁面抓取：有獨立的失敗型態
	FamilyRankCheck JobFamily = "rank_check" // 單點排名查詢：Grid Sampler 大量呼叫
)

// Valid 檢查類別是否為已知值
func (f JobFamily) Valid() bool {
	switch f {
	case FamilyReviews, FamilyScrape, FamilyRankCheck:
		return true
	}
	return false
}

// TaskStatus 背景任務狀態
type TaskStatus string

// 定義背景任務狀態常數
const (
	TaskRunning   TaskStatus = "running"   // 執行中
	TaskCompleted TaskStatus = "completed" // 已完成，延遲後自動清除
	TaskFailed    TaskStatus = "failed"    // 失敗，保留直到使用者清除
)

// JobSpec 一個遠端工作單元的不可變描述
type JobSpec struct {
	Family       JobFamily      `json:"family"`
	SubjectID    SubjectID      `json:"subject_id"`
	Params       map[string]any `json:"params"`
	MaxWait      time.Duration  `json:"max_wait"`      // 單次提交的輪詢總預算
	PollInterval time.Duration  `json:"poll_interval"` // 輪詢間隔
	MaxRetries   int            `json:"max_retries"`   // 提交次數上限（含第一次）
}

// WithDefaults 以類別預設值補齊未設定的欄位
func (s JobSpec) WithDefaults() JobSpec {
	d := DefaultSpec(s.Family)
	if s.MaxWait <= 0 {
		s.MaxWait = d.MaxWait
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	return s
}

// DefaultSpec 回傳各類別的預設時間預算
//
// 評論任務在供應商端需要數分鐘；抓取與單點排名為數十秒。
func DefaultSpec(family JobFamily) JobSpec {
	switch family {
	case FamilyReviews:
		return JobSpec{Family: family, MaxWait: 3 * time.Minute, PollInterval: 5 * time.Second, MaxRetries: 3}
	case FamilyScrape:
		return JobSpec{Family: family, MaxWait: 45 * time.Second, PollInterval: 2 * time.Second, MaxRetries: 3}
	default:
		return JobSpec{Family: family, MaxWait: 30 * time.Second, PollInterval: 2 * time.Second, MaxRetries: 3}
	}
}

// RemoteJobHandle 供應商發出的任務識別碼
type RemoteJobHandle struct {
	TaskID string    `json:"task_id"`
	Family JobFamily `json:"family"`
}

// BackgroundTask 背景任務紀錄，獨立於 UI 生命週期
type BackgroundTask struct {
	ID           string     `json:"id"`
	Family       JobFamily  `json:"family"`
	SubjectID    SubjectID  `json:"subject_id"`
	SubjectLabel string     `json:"subject_label"`
	Status       TaskStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// LatLng 經緯度座標
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RankCheckResult 單點排名查詢結果，Rank 為 nil 表示該位置找不到商家
type RankCheckResult struct {
	Rank         *int   `json:"rank"`
	Keyword      string `json:"keyword"`
	MatchedTitle string `json:"matched_title,omitempty"`
	TotalResults int    `json:"total_results"`
}

// GridPoint 取樣格點，僅存在於一次 grid 執行期間
type GridPoint struct {
	LatLng
	Result *RankCheckResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Rank 回傳格點的排名（未找到時為 nil）
func (p GridPoint) Rank() *int {
	if p.Result == nil {
		return nil
	}
	return p.Result.Rank
}

// GridResult grid 取樣彙總結果
type GridResult struct {
	Keyword     string      `json:"keyword"`
	Center      LatLng      `json:"center"`
	RadiusMiles float64     `json:"radius_miles"`
	GridSize    int         `json:"grid_size"`
	Points      []GridPoint `json:"points"`
	AverageRank *float64    `json:"average_rank"`
	BestRank    *int        `json:"best_rank"`
	WorstRank   *int        `json:"worst_rank"`
	RankedCount int         `json:"ranked_count"`
}

// SubjectResultCache 每個 subject 的彙總快取
//
// 每個欄位由不同的任務類別擁有，彼此互不覆寫。
type SubjectResultCache struct {
	SubjectID       SubjectID       `json:"subject_id"`
	SubjectLabel    string          `json:"subject_label,omitempty"`
	Profile         json.RawMessage `json:"profile,omitempty"`
	Score           *float64        `json:"score,omitempty"`
	ReviewData      json.RawMessage `json:"review_data,omitempty"`
	ReviewFetchedAt *time.Time      `json:"review_fetched_at,omitempty"`
	ReviewDepth     int             `json:"review_depth,omitempty"`
	TeleportResults *GridResult     `json:"teleport_results,omitempty"`
	TeleportKeyword string          `json:"teleport_keyword,omitempty"`
	ScrapedData     json.RawMessage `json:"scraped_data,omitempty"`
	LastAuditAt     *time.Time      `json:"last_audit_at,omitempty"`
}

// HasData 是否有任何任務結果
func (c SubjectResultCache) HasData() bool {
	return len(c.Profile) > 0 || c.Score != nil || len(c.ReviewData) > 0 ||
		c.TeleportResults != nil || len(c.ScrapedData) > 0
}

// Patch 部分更新，nil 欄位代表「不在 patch 中」，不得覆寫快取
type Patch struct {
	SubjectLabel    *string
	Profile         json.RawMessage
	Score           *float64
	ReviewData      json.RawMessage
	ReviewFetchedAt *time.Time
	ReviewDepth     *int
	TeleportResults *GridResult
	TeleportKeyword *string
	ScrapedData     json.RawMessage
}

// Empty 判斷 patch 是否沒有任何欄位
func (p Patch) Empty() bool {
	return p.SubjectLabel == nil && p.Profile == nil && p.Score == nil &&
		p.ReviewData == nil && p.ReviewFetchedAt == nil && p.ReviewDepth == nil &&
		p.TeleportResults == nil && p.TeleportKeyword == nil && p.ScrapedData == nil
}

// CacheSnapshot 本地持久化的快取快照
type CacheSnapshot struct {
	ActiveSubject SubjectID                         `json:"active_subject"`
	Live          *SubjectResultCache               `json:"live,omitempty"`
	Entries       map[SubjectID]*SubjectResultCache `json:"entries"`
	SchemaVer     int                               `json:"schema_ver"`
}
