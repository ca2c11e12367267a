package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// HeaderTraceID — сквозной идентификатор запроса.
	HeaderTraceID = "X-Trace-Id"
	// HeaderIdempotencyKey — идентификатор попытки сохранения.
	HeaderIdempotencyKey = "Idempotency-Key"

	contextTraceIDKey = "traceID"
)

// TraceID берёт X-Trace-Id из запроса или генерирует новый.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = xid.New().String()
		}
		c.Set(contextTraceIDKey, traceID)
		c.Header(HeaderTraceID, traceID)
		c.Next()
	}
}

// RequestLogger пишет одну строку на запрос.
func RequestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := requestFields(c)
		fields["status"] = c.Writer.Status()
		fields["latency_ms"] = time.Since(start).Milliseconds()
		fields["client_ip"] = c.ClientIP()

		entry := logger.WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Warn("http request")
		default:
			entry.Debug("http request")
		}
	}
}

func requestFields(c *gin.Context) log.Fields {
	return log.Fields{
		"method":   c.Request.Method,
		"path":     c.FullPath(),
		"trace_id": c.GetString(contextTraceIDKey),
	}
}

// IPRateLimiter ограничивает частоту запросов с одного IP.
type IPRateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
	logger   *log.Entry
}

// NewIPRateLimiter создаёт лимитер: r запросов в секунду с запасом burst.
func NewIPRateLimiter(r rate.Limit, burst int, logger *log.Entry) *IPRateLimiter {
	return &IPRateLimiter{rate: r, burst: burst, logger: logger}
}

func (l *IPRateLimiter) limiter(ip string) *rate.Limiter {
	if existing, ok := l.limiters.Load(ip); ok {
		return existing.(*rate.Limiter)
	}
	actual, _ := l.limiters.LoadOrStore(ip, rate.NewLimiter(l.rate, l.burst))
	return actual.(*rate.Limiter)
}

// Middleware отклоняет запросы сверх лимита с 429.
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.limiter(ip).Allow() {
			if l.logger != nil {
				l.logger.WithFields(log.Fields{"client_ip": ip, "path": c.FullPath()}).Warn("rate limit exceeded")
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Reason: "error", Message: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
