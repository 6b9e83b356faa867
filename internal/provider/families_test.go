package provider

import (
	"encoding/json"
	"testing"

	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankCheckParse(t *testing.T) {
	result := json.RawMessage(`[{"items_count": 3, "items": [
		{"rank_group": 1, "title": "Luigi's", "place_id": "p1"},
		{"rank_group": 2, "title": "Joe's Pizza Downtown", "place_id": "p2"},
		{"rank_group": 3, "title": "Slice House", "place_id": "p3"}
	]}]`)

	tests := []struct {
		name     string
		target   Target
		wantRank *int
	}{
		{"by place id", Target{PlaceID: "p3"}, intPtr(3)},
		{"by name", Target{Name: "joe's pizza"}, intPtr(2)},
		{"place id wins over name", Target{Name: "Luigi", PlaceID: "p2"}, intPtr(2)},
		{"not present", Target{Name: "Nowhere Diner"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fam := NewRankCheckFamily(nil, tt.target, "pizza")
			got, err := fam.Parse(result)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRank, got.Rank)
			assert.Equal(t, "pizza", got.Keyword)
			assert.Equal(t, 3, got.TotalResults)
		})
	}
}

func TestRankCheckParseEmpty(t *testing.T) {
	fam := NewRankCheckFamily(nil, Target{Name: "x"}, "k")
	_, err := fam.Parse(json.RawMessage(`[]`))
	assert.Error(t, err)
	_, err = fam.Parse(json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestScrapeClassify(t *testing.T) {
	fam := NewScrapeFamily(nil)
	page := func(code int) jobclient.RawStatus {
		b, _ := json.Marshal([]map[string]any{{"url": "https://x", "status_code": code}})
		return jobclient.RawStatus{Code: jobclient.StatusOK, Result: b}
	}

	tests := []struct {
		name string
		raw  jobclient.RawStatus
		want jobclient.OutcomeKind
	}{
		{"page ok", page(200), jobclient.OutcomeSuccess},
		{"page missing", page(404), jobclient.OutcomePermanentFailure},
		{"page forbidden", page(403), jobclient.OutcomePermanentFailure},
		{"page rate limited", page(429), jobclient.OutcomeLostJob},
		{"page server error", page(503), jobclient.OutcomeLostJob},
		{"page timeout", page(408), jobclient.OutcomeLostJob},
		{"protocol pending", jobclient.RawStatus{Code: jobclient.StatusInQueue}, jobclient.OutcomePending},
		{"protocol no results", jobclient.RawStatus{Code: jobclient.StatusNoResults}, jobclient.OutcomePermanentFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fam.Classify(tt.raw).Kind)
		})
	}
}

func TestScrapeParse(t *testing.T) {
	fam := NewScrapeFamily(nil)
	got, err := fam.Parse(json.RawMessage(`[{"url":"https://joes.example","status_code":200,"meta":{"title":"Joe's","description":"Best slices"}}]`))
	require.NoError(t, err)
	assert.Equal(t, "https://joes.example", got.URL)
	assert.Equal(t, 200, got.FetchStatus)
	assert.Equal(t, "Joe's", got.Title)
	assert.Equal(t, "Best slices", got.Description)
}

func TestParams(t *testing.T) {
	p := RankCheckParams("pizza", types.LatLng{Lat: 40.5, Lng: -73.25}, 15)
	assert.Equal(t, "40.5000000,-73.2500000,15z", p["location_coordinate"])

	r := ReviewsParams("Joe's", "", 50)
	assert.Equal(t, "Joe's", r["keyword"])
	assert.NotContains(t, r, "place_id")

	r = ReviewsParams("Joe's", "pid", 50)
	assert.Equal(t, "pid", r["place_id"])
	assert.NotContains(t, r, "keyword")
}

func intPtr(v int) *int { return &v }
