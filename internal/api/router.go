// ============================================================================
// Beaver-Audit HTTP API
// ============================================================================
//
// 路由：
//   GET    /healthz
//   GET    /metrics
//   GET    /api/tasks                     背景任務列表（?subject= / ?family= 過濾）
//   DELETE /api/tasks/finished            清除已結束任務
//   GET    /api/subjects/active           目前 subject 的 live state
//   PUT    /api/subjects/active           切換 subject
//   PATCH  /api/subjects/active           更新 live state（profile / score）
//   GET    /api/subjects/:id              快取條目
//   POST   /api/subjects/:id/reviews      啟動評論收集
//   POST   /api/subjects/:id/scrape       啟動網站抓取
//   POST   /api/subjects/:id/rank         啟動單點排名查詢
//   POST   /api/subjects/:id/grid         啟動 grid 取樣
//
// 啟動任務的路由回傳 202 與 taskId，結果透過任務列表與快取查詢。
//
// ============================================================================

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/beaver-audit/internal/audit"
	"github.com/ChuLiYu/beaver-audit/internal/grid"
)

var log = slog.Default()

// Handler HTTP handler 集合
type Handler struct {
	svc *audit.Service
}

// NewRouter 建立 gin router
//
// 參數：
//   - svc: 稽核服務
//   - metrics: /metrics handler，nil 時不註冊
func NewRouter(svc *audit.Service, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	h := &Handler{svc: svc}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("/api")
	{
		api.GET("/tasks", h.ListTasks)
		api.DELETE("/tasks/finished", h.ClearFinished)

		api.GET("/subjects/active", h.GetActive)
		api.PUT("/subjects/active", h.SwitchSubject)
		api.PATCH("/subjects/active", h.UpdateLive)
		api.GET("/subjects/:id", h.GetSubject)

		api.POST("/subjects/:id/reviews", h.StartReviews)
		api.POST("/subjects/:id/scrape", h.StartScrape)
		api.POST("/subjects/:id/rank", h.StartRankCheck)
		api.POST("/subjects/:id/grid", h.StartGrid)
	}
	return r
}

// requestLogger 以 slog 記錄每個請求
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// startStatus 將啟動任務的錯誤對應成 HTTP 狀態碼
func startStatus(err error) int {
	switch {
	case errors.Is(err, audit.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, audit.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, audit.ErrNoSubject),
		errors.Is(err, grid.ErrInvalidSize),
		errors.Is(err, grid.ErrInvalidRadius),
		errors.Is(err, grid.ErrInvalidCenter),
		errors.Is(err, grid.ErrMissingKeyword):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
