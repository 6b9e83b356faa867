package cache

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// apply 合併 patch；at 為零值時不更新 LastAuditAt
func apply(dst *types.SubjectResultCache, p types.Patch, at time.Time) {
	if p.SubjectLabel != nil {
		dst.SubjectLabel = *p.SubjectLabel
	}
	if p.Profile != nil {
		dst.Profile = cloneRaw(p.Profile)
	}
	if p.Score != nil {
		v := *p.Score
		dst.Score = &v
	}
	if p.ReviewData != nil {
		dst.ReviewData = cloneRaw(p.ReviewData)
	}
	if p.ReviewFetchedAt != nil {
		v := *p.ReviewFetchedAt
		dst.ReviewFetchedAt = &v
	}
	if p.ReviewDepth != nil {
		dst.ReviewDepth = *p.ReviewDepth
	}
	if p.TeleportResults != nil {
		g := cloneGrid(*p.TeleportResults)
		dst.TeleportResults = &g
	}
	if p.TeleportKeyword != nil {
		dst.TeleportKeyword = *p.TeleportKeyword
	}
	if p.ScrapedData != nil {
		dst.ScrapedData = cloneRaw(p.ScrapedData)
	}
	if !at.IsZero() {
		v := at
		dst.LastAuditAt = &v
	}
}

// Document 將 patch 轉成外部儲存的 top-level key 文件
//
// 只包含 patch 中存在的欄位，外部儲存以 shallow merge 合併。
func Document(p types.Patch, at time.Time) (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)

	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[key] = b
		return nil
	}

	fields := []struct {
		key     string
		present bool
		value   any
	}{
		{"subjectLabel", p.SubjectLabel != nil, p.SubjectLabel},
		{"profile", p.Profile != nil, p.Profile},
		{"score", p.Score != nil, p.Score},
		{"reviewData", p.ReviewData != nil, p.ReviewData},
		{"reviewFetchedAt", p.ReviewFetchedAt != nil, p.ReviewFetchedAt},
		{"reviewDepth", p.ReviewDepth != nil, p.ReviewDepth},
		{"teleportResults", p.TeleportResults != nil, p.TeleportResults},
		{"teleportKeyword", p.TeleportKeyword != nil, p.TeleportKeyword},
		{"scrapedData", p.ScrapedData != nil, p.ScrapedData},
	}
	for _, f := range fields {
		if !f.present {
			continue
		}
		if err := put(f.key, f.value); err != nil {
			return nil, err
		}
	}
	if len(doc) > 0 && !at.IsZero() {
		if err := put("lastAuditAt", at.UTC()); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// ============================================================================
// 深拷貝
// ============================================================================

func clone(src types.SubjectResultCache) types.SubjectResultCache {
	dst := src
	dst.Profile = cloneRaw(src.Profile)
	dst.ReviewData = cloneRaw(src.ReviewData)
	dst.ScrapedData = cloneRaw(src.ScrapedData)
	if src.Score != nil {
		v := *src.Score
		dst.Score = &v
	}
	if src.ReviewFetchedAt != nil {
		v := *src.ReviewFetchedAt
		dst.ReviewFetchedAt = &v
	}
	if src.LastAuditAt != nil {
		v := *src.LastAuditAt
		dst.LastAuditAt = &v
	}
	if src.TeleportResults != nil {
		g := cloneGrid(*src.TeleportResults)
		dst.TeleportResults = &g
	}
	return dst
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneGrid(src types.GridResult) types.GridResult {
	dst := src
	dst.AverageRank = cloneFloat(src.AverageRank)
	dst.BestRank = cloneInt(src.BestRank)
	dst.WorstRank = cloneInt(src.WorstRank)
	if src.Points != nil {
		dst.Points = make([]types.GridPoint, len(src.Points))
		for i, p := range src.Points {
			dst.Points[i] = p
			if p.Result != nil {
				r := *p.Result
				r.Rank = cloneInt(p.Result.Rank)
				dst.Points[i].Result = &r
			}
		}
	}
	return dst
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
