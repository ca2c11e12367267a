// Package httpapi реализует HTTP API сервиса котировок на gin.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/monitoring"
	"github.com/vladislavdragonenkov/quotesave/internal/service/quotes"
)

// QuoteService — операции над котировками, нужные HTTP-слою.
type QuoteService interface {
	Create(ctx context.Context, in quotes.CreateQuoteInput) (domain.Quote, error)
	Get(ctx context.Context, id string) (domain.Quote, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.Quote, error)
	History(ctx context.Context, id string) ([]domain.HistoryEvent, error)
	Save(ctx context.Context, key string, req domain.SaveRequest) (domain.SaveResponse, error)
	ChangeStatus(ctx context.Context, in quotes.ChangeStatusInput) (domain.Quote, error)
}

// AlertSource отдаёт активные алерты мониторинга.
type AlertSource interface {
	Active() []monitoring.Alert
}

// Handler обрабатывает HTTP-запросы к котировкам.
type Handler struct {
	svc    QuoteService
	stats  monitoring.StatsSource
	alerts AlertSource
	val    *validator.Validate
	logger *log.Entry
	now    func() time.Time
}

// NewHandler создаёт обработчик. stats и alerts могут быть nil.
func NewHandler(svc QuoteService, stats monitoring.StatsSource, alerts AlertSource, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{
		svc:    svc,
		stats:  stats,
		alerts: alerts,
		val:    validator.New(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes регистрирует маршруты /api/v1.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, saveLimiter gin.HandlerFunc) {
	q := rg.Group("/quotes")
	q.POST("", h.Create)
	q.GET("", h.List)
	q.GET("/:id", h.GetByID)
	q.GET("/:id/history", h.History)
	q.POST("/:id/status", h.ChangeStatus)
	if saveLimiter != nil {
		q.POST("/:id/save", saveLimiter, h.Save)
	} else {
		q.POST("/:id/save", h.Save)
	}

	rg.GET("/monitoring/save-stats", h.SaveStats)
}

// Create handles POST /api/v1/quotes
func (h *Handler) Create(c *gin.Context) {
	var req CreateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		badRequest(c, msgValidationFailed, err.Error())
		return
	}

	quote, err := h.svc.Create(c.Request.Context(), quotes.CreateQuoteInput{
		ID:          req.ID,
		AgentID:     req.AgentID,
		ClientID:    req.ClientID,
		Content:     req.Content,
		PricingHash: req.PricingHash,
	})
	if h.handleError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, newQuoteResponse(quote))
}

// GetByID handles GET /api/v1/quotes/:id
func (h *Handler) GetByID(c *gin.Context) {
	quote, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if h.handleError(c, err) {
		return
	}
	c.JSON(http.StatusOK, newQuoteResponse(quote))
}

// List handles GET /api/v1/quotes?agentId=...&limit=...
func (h *Handler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	list, err := h.svc.ListByAgent(c.Request.Context(), c.Query("agentId"), limit)
	if h.handleError(c, err) {
		return
	}
	items := make([]QuoteResponse, 0, len(list))
	for _, q := range list {
		items = append(items, newQuoteResponse(q))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// History handles GET /api/v1/quotes/:id/history
func (h *Handler) History(c *gin.Context) {
	events, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if h.handleError(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": newHistoryResponse(events)})
}

// ChangeStatus handles POST /api/v1/quotes/:id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	var req ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		badRequest(c, msgValidationFailed, err.Error())
		return
	}

	quote, err := h.svc.ChangeStatus(c.Request.Context(), quotes.ChangeStatusInput{
		QuoteID:         c.Param("id"),
		ExpectedVersion: req.ExpectedVersion,
		Status:          req.Status,
	})
	if h.handleError(c, err) {
		return
	}
	c.JSON(http.StatusOK, newQuoteResponse(quote))
}

// Save handles POST /api/v1/quotes/:id/save
// Успех отдаёт 200, конфликт 409 со снимком сервера, несовпадение хеша 422.
func (h *Handler) Save(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		badRequest(c, domain.ErrIdempotencyKeyRequired.Error(), nil)
		return
	}

	var req SaveQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		badRequest(c, msgValidationFailed, err.Error())
		return
	}

	resp, err := h.svc.Save(c.Request.Context(), key, req.toDomain(c.Param("id"), key))
	if h.handleError(c, err) {
		return
	}
	c.JSON(quotes.ResponseStatus(resp), resp)
}

// SaveStats handles GET /api/v1/monitoring/save-stats
func (h *Handler) SaveStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Reason: domain.SaveReasonError, Message: "save monitoring is disabled"})
		return
	}
	body := gin.H{"stats": h.stats.Stats(h.now())}
	if h.alerts != nil {
		body["alerts"] = h.alerts.Active()
	}
	c.JSON(http.StatusOK, body)
}
