package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/beaver-audit/internal/audit"
	"github.com/ChuLiYu/beaver-audit/internal/grid"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// ============================================================================
// 請求格式
// ============================================================================

type switchRequest struct {
	ID      string `json:"id" binding:"required"`
	Label   string `json:"label"`
	PlaceID string `json:"placeId"`
}

type liveRequest struct {
	Profile json.RawMessage `json:"profile"`
	Score   *float64        `json:"score"`
}

type reviewsRequest struct {
	Label   string `json:"label"`
	PlaceID string `json:"placeId"`
	Depth   int    `json:"depth"`
}

type scrapeRequest struct {
	Label string `json:"label"`
	URL   string `json:"url" binding:"required"`
}

type rankRequest struct {
	Label   string   `json:"label"`
	PlaceID string   `json:"placeId"`
	Keyword string   `json:"keyword" binding:"required"`
	Lat     *float64 `json:"lat" binding:"required"`
	Lng     *float64 `json:"lng" binding:"required"`
}

type gridRequest struct {
	rankRequest
	RadiusMiles float64 `json:"radiusMiles" binding:"required"`
	GridSize    int     `json:"gridSize" binding:"required"`
}

// ============================================================================
// 任務
// ============================================================================

// ListTasks GET /api/tasks
//
// Query: ?subject= 只看單一 subject，?family= 只看單一類別
func (h *Handler) ListTasks(c *gin.Context) {
	family := types.JobFamily(c.Query("family"))
	if family != "" && !family.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown job family: " + string(family)})
		return
	}

	reg := h.svc.Registry()
	if id := c.Query("subject"); id != "" {
		c.JSON(http.StatusOK, gin.H{"tasks": filterFamily(reg.ListBySubject(types.SubjectID(id)), family)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": filterFamily(reg.List(), family), "stats": reg.Stats()})
}

func filterFamily(list []types.BackgroundTask, family types.JobFamily) []types.BackgroundTask {
	if family == "" {
		return list
	}
	out := make([]types.BackgroundTask, 0, len(list))
	for _, t := range list {
		if t.Family == family {
			out = append(out, t)
		}
	}
	return out
}

// ClearFinished DELETE /api/tasks/finished
func (h *Handler) ClearFinished(c *gin.Context) {
	n := h.svc.Registry().ClearCompleted()
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// ============================================================================
// Subject
// ============================================================================

// GetActive GET /api/subjects/active
func (h *Handler) GetActive(c *gin.Context) {
	cache := h.svc.Cache()
	c.JSON(http.StatusOK, gin.H{"id": cache.Active(), "live": cache.Live()})
}

// SwitchSubject PUT /api/subjects/active
func (h *Handler) SwitchSubject(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	changed, err := h.svc.SwitchSubject(audit.Subject{
		ID:      types.SubjectID(req.ID),
		Label:   req.Label,
		PlaceID: req.PlaceID,
	})
	if err != nil {
		abort(c, startStatus(err), err)
		return
	}
	cache := h.svc.Cache()
	c.JSON(http.StatusOK, gin.H{"changed": changed, "id": cache.Active(), "live": cache.Live()})
}

// UpdateLive PATCH /api/subjects/active
func (h *Handler) UpdateLive(c *gin.Context) {
	var req liveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	p := types.Patch{Profile: req.Profile, Score: req.Score}
	if p.Empty() {
		abort(c, http.StatusBadRequest, errors.New("profile or score is required"))
		return
	}
	if !h.svc.Cache().UpdateLive(p) {
		abort(c, http.StatusConflict, errors.New("no active subject"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": h.svc.Cache().Live()})
}

// GetSubject GET /api/subjects/:id
func (h *Handler) GetSubject(c *gin.Context) {
	entry, ok := h.svc.Cache().Entry(types.SubjectID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject not cached"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ============================================================================
// 啟動任務
// ============================================================================

func subjectFrom(c *gin.Context, label, placeID string) audit.Subject {
	return audit.Subject{ID: types.SubjectID(c.Param("id")), Label: label, PlaceID: placeID}
}

func accepted(c *gin.Context, taskID string, err error) {
	if err != nil {
		abort(c, startStatus(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

// bindOptional 允許空 body
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		abort(c, http.StatusBadRequest, err)
		return false
	}
	return true
}

// StartReviews POST /api/subjects/:id/reviews
func (h *Handler) StartReviews(c *gin.Context) {
	var req reviewsRequest
	if !bindOptional(c, &req) {
		return
	}
	id, err := h.svc.StartReviews(subjectFrom(c, req.Label, req.PlaceID), req.Depth)
	accepted(c, id, err)
}

// StartScrape POST /api/subjects/:id/scrape
func (h *Handler) StartScrape(c *gin.Context) {
	var req scrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	id, err := h.svc.StartScrape(subjectFrom(c, req.Label, ""), req.URL)
	accepted(c, id, err)
}

// StartRankCheck POST /api/subjects/:id/rank
func (h *Handler) StartRankCheck(c *gin.Context) {
	var req rankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	id, err := h.svc.StartRankCheck(subjectFrom(c, req.Label, req.PlaceID), audit.RankRequest{
		Keyword: req.Keyword,
		At:      types.LatLng{Lat: *req.Lat, Lng: *req.Lng},
	})
	accepted(c, id, err)
}

// StartGrid POST /api/subjects/:id/grid
func (h *Handler) StartGrid(c *gin.Context) {
	var req gridRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	id, err := h.svc.StartGrid(subjectFrom(c, req.Label, req.PlaceID), grid.Request{
		Center:      types.LatLng{Lat: *req.Lat, Lng: *req.Lng},
		RadiusMiles: req.RadiusMiles,
		GridSize:    req.GridSize,
		Keyword:     req.Keyword,
	})
	accepted(c, id, err)
}
