package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-audit/internal/audit"
	"github.com/ChuLiYu/beaver-audit/internal/grid"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// subjectFlags 單次命令共用的 subject 參數
type subjectFlags struct {
	id      string
	label   string
	placeID string
}

func (f *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.id, "subject", "s", "", "Subject (business) id")
	cmd.Flags().StringVar(&f.label, "label", "", "Business name used for matching")
	cmd.Flags().StringVar(&f.placeID, "place-id", "", "Provider place id, preferred over the label when set")
	cmd.MarkFlagRequired("subject")
}

func (f *subjectFlags) subject() audit.Subject {
	return audit.Subject{ID: types.SubjectID(f.id), Label: f.label, PlaceID: f.placeID}
}

// runFunc 在已切換到 subject 的服務上同步執行一個任務
type runFunc func(ctx context.Context, svc *audit.Service, sub audit.Subject) (string, error)

// runOnce 組裝元件、執行單一任務、輸出快取條目後關閉
func runOnce(cmd *cobra.Command, sf *subjectFlags, fn runFunc) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	sub := sf.subject()
	if _, err := a.svc.SwitchSubject(sub); err != nil {
		return err
	}

	taskID, err := fn(ctx, a.svc, sub)
	if err != nil {
		if taskID == "" {
			return err
		}
		return fmt.Errorf("task %s: %w", taskID, err)
	}

	entry, _ := a.cache.Entry(sub.ID)
	return printJSON(cmd.OutOrStdout(), entry)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// 命令
// ============================================================================

func buildReviewsCommand() *cobra.Command {
	var sf subjectFlags
	var depth int

	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "Collect reviews for a subject",
		Long:  "Submit a review collection job, wait for it and merge the result into the subject's cache entry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, &sf, func(ctx context.Context, svc *audit.Service, sub audit.Subject) (string, error) {
				return svc.RunReviews(ctx, sub, depth)
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVar(&depth, "depth", 0, "Number of reviews to request (0 uses jobs.review_depth)")
	return cmd
}

func buildScrapeCommand() *cobra.Command {
	var sf subjectFlags
	var pageURL string

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scan a subject's website",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, &sf, func(ctx context.Context, svc *audit.Service, sub audit.Subject) (string, error) {
				return svc.RunScrape(ctx, sub, pageURL)
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVarP(&pageURL, "url", "u", "", "Website URL")
	cmd.MarkFlagRequired("url")
	return cmd
}

// rankFlags 查詢位置
type rankFlags struct {
	keyword string
	lat     float64
	lng     float64
}

func (f *rankFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.keyword, "keyword", "k", "", "Search keyword")
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&f.lng, "lng", 0, "Longitude")
	cmd.MarkFlagRequired("keyword")
	cmd.MarkFlagRequired("lat")
	cmd.MarkFlagRequired("lng")
}

func buildRankCommand() *cobra.Command {
	var sf subjectFlags
	var rf rankFlags

	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Check a subject's local rank at one location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, &sf, func(ctx context.Context, svc *audit.Service, sub audit.Subject) (string, error) {
				return svc.RunRankCheck(ctx, sub, audit.RankRequest{
					Keyword: rf.keyword,
					At:      types.LatLng{Lat: rf.lat, Lng: rf.lng},
				})
			})
		},
	}
	sf.register(cmd)
	rf.register(cmd)
	return cmd
}

func buildGridCommand() *cobra.Command {
	var sf subjectFlags
	var rf rankFlags
	var radius float64
	var size int

	cmd := &cobra.Command{
		Use:   "grid",
		Short: "Sample a subject's local rank over a grid",
		Long:  fmt.Sprintf("Run a size×size grid of rank checks around a center point. Sizes: %v, radii (miles): %v.", grid.AllowedSizes, grid.AllowedRadii),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, &sf, func(ctx context.Context, svc *audit.Service, sub audit.Subject) (string, error) {
				return svc.RunGrid(ctx, sub, grid.Request{
					Center:      types.LatLng{Lat: rf.lat, Lng: rf.lng},
					RadiusMiles: radius,
					GridSize:    size,
					Keyword:     rf.keyword,
				})
			})
		},
	}
	sf.register(cmd)
	rf.register(cmd)
	cmd.Flags().Float64Var(&radius, "radius", 1, "Grid radius in miles")
	cmd.Flags().IntVar(&size, "size", 5, "Grid size (points per side)")
	return cmd
}
