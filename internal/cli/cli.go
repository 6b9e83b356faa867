// ============================================================================
// Beaver-Audit CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面
//
// Command Structure:
//   beaver-audit                   # Root command
//   ├── serve                      # 啟動 HTTP API + gRPC health
//   ├── reviews                    # 單次收集評論
//   ├── scrape                     # 單次抓取網站
//   ├── rank                       # 單點排名查詢
//   ├── grid                       # Grid 排名取樣
//   ├── status                     # 顯示設定與快取狀態
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --env                      # .env 檔（預設 .env，不存在時略過）
//
// 單次命令與 serve 共用同一份快取快照，結果在下次啟動時仍可見。
//
// Examples:
//   ./beaver-audit serve
//   ./beaver-audit reviews --subject biz-1 --label "Joe's Pizza" --depth 50
//   ./beaver-audit grid --subject biz-1 --keyword pizza --lat 40.71 --lng -74.0 --size 5
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-audit/internal/config"
	"github.com/ChuLiYu/beaver-audit/internal/logger"
	"github.com/ChuLiYu/beaver-audit/internal/snapshot"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

var log = slog.Default()

var (
	configFile string
	envFile    string
)

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "beaver-audit",
		Short:   "Beaver-Audit - business profile audit job orchestrator",
		Long:    "Runs remote audit jobs (reviews, website scan, rank checks) in the background and caches results per subject.",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Optional .env file with provider credentials")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildReviewsCommand())
	rootCmd.AddCommand(buildScrapeCommand())
	rootCmd.AddCommand(buildRankCommand())
	rootCmd.AddCommand(buildGridCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path, envFile)
}

// setupLogger 依設定建立 slog 預設 logger
func setupLogger(cfg *config.Config, out io.Writer) {
	log = logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and cache status",
		Long:  "Display job timing budgets and the subjects stored in the local cache snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Beaver-Audit Status                             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Provider:         %s\n", cfg.Provider.BaseURL)
	fmt.Fprintf(w, "  ├─ Grid Concurrency: %d\n", cfg.Grid.Concurrency)
	fmt.Fprintf(w, "  └─ Cancel On Switch: %t\n", cfg.CancelOnSwitch())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "⏱  Job Budgets:")
	for _, row := range []struct {
		name string
		t    config.JobTiming
	}{
		{"reviews", cfg.Jobs.Reviews},
		{"scrape", cfg.Jobs.Scrape},
		{"rank_check", cfg.Jobs.RankCheck},
	} {
		fmt.Fprintf(w, "  └─ %-11s wait %-6s poll %-5s retries %d\n", row.name, row.t.MaxWait, row.t.PollInterval, row.t.MaxRetries)
	}
	fmt.Fprintln(w)

	mgr := snapshot.NewManager(cfg.Cache.SnapshotPath)
	fmt.Fprintln(w, "💾 Cache:")
	fmt.Fprintf(w, "  ├─ Snapshot: %s\n", mgr.GetPath())
	if !mgr.Exists() {
		fmt.Fprintln(w, "  └─ No snapshot yet (run a job or 'beaver-audit serve')")
	} else if snap, err := mgr.Load(); err != nil {
		fmt.Fprintf(w, "  └─ ❌ Unreadable: %v\n", err)
	} else {
		fmt.Fprintf(w, "  ├─ Active:   %s\n", orDash(string(snap.ActiveSubject)))
		fmt.Fprintf(w, "  └─ Subjects: %d\n", len(snap.Entries))

		ids := make([]types.SubjectID, 0, len(snap.Entries))
		for id := range snap.Entries {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			e := snap.Entries[id]
			if e == nil {
				continue
			}
			last := "-"
			if e.LastAuditAt != nil {
				last = e.LastAuditAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "     └─ %-20s %-24s last audit %s\n", id, e.SubjectLabel, last)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Endpoints:")
	fmt.Fprintf(w, "  ├─ HTTP API: %s\n", cfg.Server.HTTPAddr)
	fmt.Fprintf(w, "  ├─ gRPC:     :%d (grpc.health.v1)\n", cfg.Server.GRPCPort)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Metrics:  ✅ %s/metrics\n", cfg.Server.HTTPAddr)
	} else {
		fmt.Fprintln(w, "  └─ Metrics:  ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
