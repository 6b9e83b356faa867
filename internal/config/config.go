// ============================================================================
// Beaver-Audit 配置
// ============================================================================
//
// 載入順序（後者覆寫前者）:
//   1. 內建預設值
//   2. YAML 設定檔（預設 configs/default.yaml）
//   3. .env 檔案（存在時才載入，不覆寫已存在的環境變數）
//   4. 環境變數：供應商帳密、base URL、資料庫 DSN
//
// 秘密資訊不放在 YAML 中。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// 環境變數名稱
const (
	EnvProviderLogin    = "AUDIT_PROVIDER_LOGIN"
	EnvProviderPassword = "AUDIT_PROVIDER_PASSWORD"
	EnvProviderBaseURL  = "AUDIT_PROVIDER_BASE_URL"
	EnvDatabaseURL      = "AUDIT_DATABASE_URL"
)

// DefaultPath 預設設定檔路徑
const DefaultPath = "configs/default.yaml"

// ErrInvalidConfig 設定值不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 完整系統配置
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Grid     GridConfig     `yaml:"grid"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Cache    CacheConfig    `yaml:"cache"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ProviderConfig 供應商 HTTP API
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Login          string        `yaml:"-"`
	Password       string        `yaml:"-"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// JobTiming 單一 family 的時間預算
type JobTiming struct {
	MaxWait      time.Duration `yaml:"max_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

// JobsConfig 各 family 時間預算與預設參數
type JobsConfig struct {
	Reviews     JobTiming `yaml:"reviews"`
	Scrape      JobTiming `yaml:"scrape"`
	RankCheck   JobTiming `yaml:"rank_check"`
	ReviewDepth int       `yaml:"review_depth"`
}

// GridConfig grid 取樣
type GridConfig struct {
	Concurrency int `yaml:"concurrency"`
	Zoom        int `yaml:"zoom"`
}

// TasksConfig 背景任務
type TasksConfig struct {
	PruneDelay     time.Duration `yaml:"prune_delay"`
	CancelOnSwitch *bool         `yaml:"cancel_on_switch"`
}

// CacheConfig 本地快照
type CacheConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

// MirrorConfig 外部儲存
type MirrorConfig struct {
	DatabaseURL    string        `yaml:"-"`
	BufferSize     int           `yaml:"buffer_size"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxElapsed     time.Duration `yaml:"max_elapsed"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// ServerConfig HTTP API 與 gRPC health
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCPort        int           `yaml:"grpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig Prometheus
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig 日誌
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 內建預設值
func Default() Config {
	cancel := true
	timing := func(f types.JobFamily) JobTiming {
		d := types.DefaultSpec(f)
		return JobTiming{MaxWait: d.MaxWait, PollInterval: d.PollInterval, MaxRetries: d.MaxRetries}
	}
	return Config{
		Provider: ProviderConfig{
			BaseURL:        "https://api.dataforseo.com",
			RequestTimeout: 30 * time.Second,
		},
		Jobs: JobsConfig{
			Reviews:     timing(types.FamilyReviews),
			Scrape:      timing(types.FamilyScrape),
			RankCheck:   timing(types.FamilyRankCheck),
			ReviewDepth: 100,
		},
		Grid:    GridConfig{Concurrency: 8, Zoom: 15},
		Tasks:   TasksConfig{PruneDelay: 5 * time.Second, CancelOnSwitch: &cancel},
		Cache:   CacheConfig{SnapshotPath: "data/cache_snapshot.json"},
		Mirror:  MirrorConfig{BufferSize: 256, InitialBackoff: 200 * time.Millisecond, MaxElapsed: 30 * time.Second, WriteTimeout: 5 * time.Second},
		Server:  ServerConfig{HTTPAddr: ":8080", GRPCPort: 50051, ShutdownTimeout: 10 * time.Second},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load 讀取 YAML 設定檔、.env 與環境變數
//
// 參數：
//   - path: YAML 路徑；空字串只使用預設值
//   - envFile: .env 路徑；空字串或檔案不存在時略過
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvProviderLogin); v != "" {
		c.Provider.Login = v
	}
	if v := os.Getenv(EnvProviderPassword); v != "" {
		c.Provider.Password = v
	}
	if v := os.Getenv(EnvProviderBaseURL); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Mirror.DatabaseURL = v
	}
}

// Validate 補齊零值並檢查範圍
func (c *Config) Validate() error {
	d := Default()

	fill := func(t *JobTiming, def JobTiming) {
		if t.MaxWait <= 0 {
			t.MaxWait = def.MaxWait
		}
		if t.PollInterval <= 0 {
			t.PollInterval = def.PollInterval
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = def.MaxRetries
		}
	}
	fill(&c.Jobs.Reviews, d.Jobs.Reviews)
	fill(&c.Jobs.Scrape, d.Jobs.Scrape)
	fill(&c.Jobs.RankCheck, d.Jobs.RankCheck)

	if c.Jobs.ReviewDepth <= 0 {
		c.Jobs.ReviewDepth = d.Jobs.ReviewDepth
	}
	if c.Grid.Concurrency <= 0 {
		c.Grid.Concurrency = d.Grid.Concurrency
	}
	if c.Grid.Zoom <= 0 {
		c.Grid.Zoom = d.Grid.Zoom
	}
	if c.Tasks.PruneDelay <= 0 {
		c.Tasks.PruneDelay = d.Tasks.PruneDelay
	}
	if c.Tasks.CancelOnSwitch == nil {
		c.Tasks.CancelOnSwitch = d.Tasks.CancelOnSwitch
	}
	if c.Cache.SnapshotPath == "" {
		c.Cache.SnapshotPath = d.Cache.SnapshotPath
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	for name, t := range map[string]JobTiming{"reviews": c.Jobs.Reviews, "scrape": c.Jobs.Scrape, "rank_check": c.Jobs.RankCheck} {
		if t.PollInterval > t.MaxWait {
			return fmt.Errorf("%w: jobs.%s.poll_interval %s exceeds max_wait %s", ErrInvalidConfig, name, t.PollInterval, t.MaxWait)
		}
	}
	if c.Grid.Concurrency > 64 {
		return fmt.Errorf("%w: grid.concurrency %d exceeds 64", ErrInvalidConfig, c.Grid.Concurrency)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("%w: server.grpc_port %d", ErrInvalidConfig, c.Server.GRPCPort)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// JobSpecs 轉成 audit 使用的 family → JobSpec 覆寫
func (c *Config) JobSpecs() map[types.JobFamily]types.JobSpec {
	spec := func(f types.JobFamily, t JobTiming) types.JobSpec {
		return types.JobSpec{Family: f, MaxWait: t.MaxWait, PollInterval: t.PollInterval, MaxRetries: t.MaxRetries}
	}
	return map[types.JobFamily]types.JobSpec{
		types.FamilyReviews:   spec(types.FamilyReviews, c.Jobs.Reviews),
		types.FamilyScrape:    spec(types.FamilyScrape, c.Jobs.Scrape),
		types.FamilyRankCheck: spec(types.FamilyRankCheck, c.Jobs.RankCheck),
	}
}

// CancelOnSwitch 切換 subject 時是否取消前一個 subject 的任務
func (c *Config) CancelOnSwitch() bool {
	return c.Tasks.CancelOnSwitch == nil || *c.Tasks.CancelOnSwitch
}
