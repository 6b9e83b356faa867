package audit

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/beaver-audit/internal/grid"
	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/internal/provider"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// RankRequest 單點排名查詢
type RankRequest struct {
	Keyword string       `json:"keyword"`
	At      types.LatLng `json:"at"`
}

// ============================================================================
// Reviews
// ============================================================================

// RunReviews 同步收集評論，depth <= 0 使用預設值
func (s *Service) RunReviews(ctx context.Context, sub Subject, depth int) (string, error) {
	return s.do(ctx, types.FamilyReviews, sub, s.reviewsJob(sub, depth))
}

// StartReviews 非同步收集評論
func (s *Service) StartReviews(sub Subject, depth int) (string, error) {
	return s.spawn(types.FamilyReviews, sub, s.reviewsJob(sub, depth))
}

func (s *Service) reviewsJob(sub Subject, depth int) job {
	if depth <= 0 {
		depth = s.cfg.ReviewDepth
	}
	return func(ctx context.Context, l *slog.Logger) (types.Patch, error) {
		target := s.resolve(sub)
		spec := s.spec(types.FamilyReviews, target.ID, provider.ReviewsParams(target.Label, target.PlaceID, depth))

		res, err := jobclient.RunJob(ctx, spec, provider.NewReviewsFamily(s.transport), s.jobOptions(l)...)
		if err != nil {
			return types.Patch{}, err
		}

		data := res.Raw
		if len(data) == 0 {
			if data, err = marshalRaw(res); err != nil {
				return types.Patch{}, err
			}
		}
		fetchedAt := s.now()
		l.Info("Reviews collected", "count", len(res.Items), "rating", res.Rating)
		return types.Patch{ReviewData: data, ReviewFetchedAt: &fetchedAt, ReviewDepth: &depth}, nil
	}
}

// ============================================================================
// Scrape
// ============================================================================

// RunScrape 同步抓取頁面
func (s *Service) RunScrape(ctx context.Context, sub Subject, pageURL string) (string, error) {
	return s.do(ctx, types.FamilyScrape, sub, s.scrapeJob(sub, pageURL))
}

// StartScrape 非同步抓取頁面
func (s *Service) StartScrape(sub Subject, pageURL string) (string, error) {
	return s.spawn(types.FamilyScrape, sub, s.scrapeJob(sub, pageURL))
}

func (s *Service) scrapeJob(sub Subject, pageURL string) job {
	return func(ctx context.Context, l *slog.Logger) (types.Patch, error) {
		spec := s.spec(types.FamilyScrape, sub.ID, provider.ScrapeParams(pageURL))

		res, err := jobclient.RunJob(ctx, spec, provider.NewScrapeFamily(s.transport), s.jobOptions(l)...)
		if err != nil {
			return types.Patch{}, err
		}
		data, err := marshalRaw(res)
		if err != nil {
			return types.Patch{}, err
		}
		l.Info("Page scraped", "url", res.URL, "status", res.FetchStatus)
		return types.Patch{ScrapedData: data}, nil
	}
}

// ============================================================================
// Rank check
// ============================================================================

// RunRankCheck 同步查詢單一位置的排名，結果以 1×1 grid 存入 teleportResults
func (s *Service) RunRankCheck(ctx context.Context, sub Subject, req RankRequest) (string, error) {
	return s.do(ctx, types.FamilyRankCheck, sub, s.rankJob(sub, req))
}

// StartRankCheck 非同步查詢單一位置的排名
func (s *Service) StartRankCheck(sub Subject, req RankRequest) (string, error) {
	return s.spawn(types.FamilyRankCheck, sub, s.rankJob(sub, req))
}

func (s *Service) rankJob(sub Subject, req RankRequest) job {
	return func(ctx context.Context, l *slog.Logger) (types.Patch, error) {
		check := s.checkFunc(s.resolve(sub), req.Keyword, s.cfg.Zoom, l)
		res, err := check(ctx, req.At)
		if err != nil {
			return types.Patch{}, err
		}

		out := grid.Aggregate([]types.GridPoint{{LatLng: req.At, Result: &res}})
		out.Keyword = req.Keyword
		out.Center = req.At
		out.GridSize = 1
		keyword := req.Keyword
		return types.Patch{TeleportResults: &out, TeleportKeyword: &keyword}, nil
	}
}

// ============================================================================
// Grid
// ============================================================================

// RunGrid 同步執行 grid 取樣
func (s *Service) RunGrid(ctx context.Context, sub Subject, req grid.Request) (string, error) {
	if err := s.prepareGrid(&req); err != nil {
		return "", err
	}
	return s.do(ctx, types.FamilyRankCheck, sub, s.gridJob(sub, req))
}

// StartGrid 非同步執行 grid 取樣；請求不合法時不會建立任務
func (s *Service) StartGrid(sub Subject, req grid.Request) (string, error) {
	if err := s.prepareGrid(&req); err != nil {
		return "", err
	}
	return s.spawn(types.FamilyRankCheck, sub, s.gridJob(sub, req))
}

func (s *Service) prepareGrid(req *grid.Request) error {
	if req.Zoom <= 0 {
		req.Zoom = s.cfg.Zoom
	}
	return req.Validate()
}

func (s *Service) gridJob(sub Subject, req grid.Request) job {
	return func(ctx context.Context, l *slog.Logger) (types.Patch, error) {
		check := s.checkFunc(s.resolve(sub), req.Keyword, req.Zoom, l)

		out, err := s.sampler.Run(ctx, req, check)
		if err != nil {
			return types.Patch{}, err
		}
		if s.points != nil {
			for _, p := range out.Points {
				s.points.GridPoint(p.Rank() != nil)
			}
		}
		l.Info("Grid sampled", "points", len(out.Points), "ranked", out.RankedCount)

		keyword := req.Keyword
		return types.Patch{TeleportResults: &out, TeleportKeyword: &keyword}, nil
	}
}

// checkFunc 單點排名查詢，grid 的每個格點共用
func (s *Service) checkFunc(sub Subject, keyword string, zoom int, l *slog.Logger) grid.CheckFunc {
	fam := provider.NewRankCheckFamily(s.transport, provider.Target{Name: sub.Label, PlaceID: sub.PlaceID}, keyword)
	opts := s.jobOptions(l)
	return func(ctx context.Context, at types.LatLng) (types.RankCheckResult, error) {
		spec := s.spec(types.FamilyRankCheck, sub.ID, provider.RankCheckParams(keyword, at, zoom))
		return jobclient.RunJob(ctx, spec, fam, opts...)
	}
}
