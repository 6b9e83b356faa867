package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

var errEmptyResult = errors.New("empty result")

// base binds a Transport to one family and the shared classifier.
type base struct {
	transport Transport
	family    types.JobFamily
}

func (b base) Name() types.JobFamily { return b.family }

func (b base) Submit(ctx context.Context, params map[string]any) (types.RemoteJobHandle, error) {
	return b.transport.Submit(ctx, b.family, params)
}

func (b base) Poll(ctx context.Context, h types.RemoteJobHandle) (jobclient.RawStatus, error) {
	return b.transport.Poll(ctx, h)
}

func (b base) Classify(raw jobclient.RawStatus) jobclient.PollOutcome {
	return jobclient.Classify(raw)
}

// firstItem returns result[0]; the provider wraps every payload in an array.
func firstItem(result json.RawMessage) (json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(result, &items); err != nil {
		return nil, fmt.Errorf("result is not an array: %w", err)
	}
	if len(items) == 0 || string(items[0]) == "null" {
		return nil, errEmptyResult
	}
	return items[0], nil
}

// ============================================================================
// Reviews
// ============================================================================

// Review is one collected review.
type Review struct {
	Author    string  `json:"profile_name"`
	Rating    float64 `json:"rating"`
	Text      string  `json:"review_text"`
	Timestamp string  `json:"timestamp"`
	Responded bool    `json:"responded"`
}

// ReviewsResult is the parsed reviews payload. Raw keeps the provider
// document for the cache.
type ReviewsResult struct {
	Title        string          `json:"title"`
	Rating       float64         `json:"rating"`
	ReviewsCount int             `json:"reviews_count"`
	Items        []Review        `json:"items"`
	Raw          json.RawMessage `json:"-"`
}

// ReviewsFamily collects reviews for a business.
type ReviewsFamily struct{ base }

// NewReviewsFamily binds t to the reviews endpoint.
func NewReviewsFamily(t Transport) *ReviewsFamily {
	return &ReviewsFamily{base{transport: t, family: types.FamilyReviews}}
}

// Parse implements jobclient.Family.
func (ReviewsFamily) Parse(result json.RawMessage) (ReviewsResult, error) {
	item, err := firstItem(result)
	if err != nil {
		return ReviewsResult{}, err
	}

	var r struct {
		Title        string   `json:"title"`
		ReviewsCount int      `json:"reviews_count"`
		Items        []Review `json:"items"`
		Rating       *struct {
			Value float64 `json:"value"`
		} `json:"rating"`
	}
	if err := json.Unmarshal(item, &r); err != nil {
		return ReviewsResult{}, fmt.Errorf("failed to decode reviews: %w", err)
	}

	out := ReviewsResult{Title: r.Title, ReviewsCount: r.ReviewsCount, Items: r.Items, Raw: item}
	if r.Rating != nil {
		out.Rating = r.Rating.Value
	}
	return out, nil
}

// ReviewsParams builds the task_post body for a reviews job.
func ReviewsParams(keyword, placeID string, depth int) map[string]any {
	p := map[string]any{
		"language_code": "en",
		"depth":         depth,
		"sort_by":       "newest",
	}
	if placeID != "" {
		p["place_id"] = placeID
	} else {
		p["keyword"] = keyword
		p["location_name"] = "United States"
	}
	return p
}

// ============================================================================
// Rank check
// ============================================================================

// Target identifies the business whose rank is checked.
type Target struct {
	Name    string
	PlaceID string
}

func (t Target) matches(title, placeID string) bool {
	if t.PlaceID != "" && placeID != "" {
		return t.PlaceID == placeID
	}
	return t.Name != "" && strings.Contains(strings.ToLower(title), strings.ToLower(t.Name))
}

// RankCheckFamily runs one local-pack rank query and locates Target in it.
type RankCheckFamily struct {
	base
	target  Target
	keyword string
}

// NewRankCheckFamily binds t to the maps SERP endpoint for target.
func NewRankCheckFamily(t Transport, target Target, keyword string) *RankCheckFamily {
	return &RankCheckFamily{base: base{transport: t, family: types.FamilyRankCheck}, target: target, keyword: keyword}
}

// Parse implements jobclient.Family. A target absent from the results is a
// successful check with a nil rank.
func (f RankCheckFamily) Parse(result json.RawMessage) (types.RankCheckResult, error) {
	item, err := firstItem(result)
	if err != nil {
		return types.RankCheckResult{}, err
	}

	var serp struct {
		ItemsCount int `json:"items_count"`
		Items      []struct {
			RankGroup int    `json:"rank_group"`
			Title     string `json:"title"`
			PlaceID   string `json:"place_id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(item, &serp); err != nil {
		return types.RankCheckResult{}, fmt.Errorf("failed to decode serp: %w", err)
	}

	out := types.RankCheckResult{Keyword: f.keyword, TotalResults: serp.ItemsCount}
	for _, it := range serp.Items {
		if f.target.matches(it.Title, it.PlaceID) {
			rank := it.RankGroup
			out.Rank = &rank
			out.MatchedTitle = it.Title
			break
		}
	}
	return out, nil
}

// RankCheckParams builds the task_post body for one grid point.
func RankCheckParams(keyword string, at types.LatLng, zoom int) map[string]any {
	return map[string]any{
		"keyword":             keyword,
		"language_code":       "en",
		"location_coordinate": fmt.Sprintf("%.7f,%.7f,%dz", at.Lat, at.Lng, zoom),
		"depth":               100,
	}
}

// ============================================================================
// Scrape
// ============================================================================

// ScrapeResult is the parsed page.
type ScrapeResult struct {
	URL         string          `json:"url"`
	FetchStatus int             `json:"status_code"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Raw         json.RawMessage `json:"-"`
}

// ReasonPageUnreachable prefixes the permanent failure reason when the
// target page itself answered with a non-retryable 4xx.
const ReasonPageUnreachable = "page unreachable"

// ScrapeFamily fetches and parses a business web page.
type ScrapeFamily struct{ base }

// NewScrapeFamily binds t to the content-parsing endpoint.
func NewScrapeFamily(t Transport) *ScrapeFamily {
	return &ScrapeFamily{base{transport: t, family: types.FamilyScrape}}
}

// Classify layers the target page's own fetch status over the protocol
// classification: 408/429/5xx are resubmitted, other 4xx are permanent.
func (ScrapeFamily) Classify(raw jobclient.RawStatus) jobclient.PollOutcome {
	out := jobclient.Classify(raw)
	if out.Kind != jobclient.OutcomeSuccess {
		return out
	}

	item, err := firstItem(out.Payload)
	if err != nil {
		return out
	}
	var page struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.Unmarshal(item, &page); err != nil || page.StatusCode == 0 {
		return out
	}

	switch code := page.StatusCode; {
	case code >= 200 && code < 300:
		return out
	case code == 408, code == 429, code >= 500:
		return jobclient.PollOutcome{Kind: jobclient.OutcomeLostJob, Reason: fmt.Sprintf("page fetch status %d", code)}
	default:
		return jobclient.PollOutcome{Kind: jobclient.OutcomePermanentFailure, Reason: fmt.Sprintf("%s (http %d)", ReasonPageUnreachable, code)}
	}
}

// Parse implements jobclient.Family.
func (ScrapeFamily) Parse(result json.RawMessage) (ScrapeResult, error) {
	item, err := firstItem(result)
	if err != nil {
		return ScrapeResult{}, err
	}

	var page struct {
		URL        string `json:"url"`
		StatusCode int    `json:"status_code"`
		Meta       struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(item, &page); err != nil {
		return ScrapeResult{}, fmt.Errorf("failed to decode page: %w", err)
	}

	return ScrapeResult{
		URL:         page.URL,
		FetchStatus: page.StatusCode,
		Title:       page.Meta.Title,
		Description: page.Meta.Description,
		Raw:         item,
	}, nil
}

// ScrapeParams builds the task_post body for a page scrape.
func ScrapeParams(pageURL string) map[string]any {
	return map[string]any{"url": pageURL, "enable_javascript": true}
}

var (
	_ jobclient.Family[ReviewsResult]         = (*ReviewsFamily)(nil)
	_ jobclient.Family[types.RankCheckResult] = (*RankCheckFamily)(nil)
	_ jobclient.Family[ScrapeResult]          = (*ScrapeFamily)(nil)
)
