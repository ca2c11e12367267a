// Package health отдаёт /healthz и /readyz сервиса сохранения котировок.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

// Status — состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity упорядочивает статусы: общий статус равен худшему из проверок.
func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент. Реализация должна уважать ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler собирает зарегистрированные проверки и отвечает на пробы.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration

	version string
	started time.Time
	now     func() time.Time
}

// NewHandler создаёт handler без проверок; version попадает в ответ /healthz.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		timeout:  defaultCheckTimeout,
		version:  version,
		started:  time.Now(),
		now:      time.Now,
	}
}

// SetCheckTimeout ограничивает время одной проверки; неположительное значение игнорируется.
func (h *Handler) SetCheckTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	h.mu.Lock()
	h.timeout = timeout
	h.mu.Unlock()
}

// RegisterChecker добавляет проверку или заменяет одноимённую.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

// Evaluate выполняет все проверки параллельно и сводит общий статус.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	timeout := h.timeout
	pending := make(map[string]Checker, len(h.checkers))
	for name, c := range h.checkers {
		pending[name] = c
	}
	h.mu.RUnlock()

	type result struct {
		name  string
		check Check
	}
	results := make(chan result, len(pending))
	for name, c := range pending {
		go func() {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results <- result{name: name, check: c.Check(checkCtx)}
		}()
	}

	resp := Response{
		Status:        StatusHealthy,
		Checks:        make(map[string]Check, len(pending)),
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
	for range pending {
		r := <-results
		resp.Checks[r.name] = r.check
		if r.check.Status.severity() > resp.Status.severity() {
			resp.Status = r.check.Status
		}
	}
	resp.Timestamp = h.now()
	return resp
}

// httpCode: degraded остаётся 200, чтобы сервис не снимали с балансировки.
func httpCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// ServeHTTP отдаёт полный отчёт в JSON.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode(resp.Status))
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler отвечает 503 только при unhealthy.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	code := httpCode(h.Evaluate(r.Context()).Status)
	w.WriteHeader(code)
	if code == http.StatusOK {
		_, _ = w.Write([]byte("ready"))
		return
	}
	_, _ = w.Write([]byte("not ready"))
}

// LivenessHandler всегда отвечает 200: процесс жив, пока обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ProbeChecker вызывает функцию проверки, например Ping хранилища.
type ProbeChecker struct {
	name    string
	probe   func(ctx context.Context) error
	onError Status
}

// NewProbeChecker создаёт обязательную проверку: ошибка делает сервис unhealthy.
func NewProbeChecker(name string, probe func(ctx context.Context) error) *ProbeChecker {
	return &ProbeChecker{name: name, probe: probe, onError: StatusUnhealthy}
}

// NewOptionalChecker создаёт проверку необязательного компонента (Kafka, Redis): ошибка даёт degraded.
func NewOptionalChecker(name string, probe func(ctx context.Context) error) *ProbeChecker {
	return &ProbeChecker{name: name, probe: probe, onError: StatusDegraded}
}

// Check вызывает probe и замеряет время.
func (c *ProbeChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.probe(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}
	if err != nil {
		check.Status = c.onError
		check.Message = err.Error()
	}
	return check
}

// AlertChecker переводит сервис в degraded, пока горят алерты мониторинга сохранений.
type AlertChecker struct {
	name   string
	active func() []string
}

// NewAlertChecker создаёт проверку по списку активных алертов.
func NewAlertChecker(name string, active func() []string) *AlertChecker {
	return &AlertChecker{name: name, active: active}
}

// Check возвращает degraded и перечисляет алерты в сообщении.
func (c *AlertChecker) Check(context.Context) Check {
	alerts := slices.Clone(c.active())
	if len(alerts) == 0 {
		return Check{Name: c.name, Status: StatusHealthy}
	}
	slices.Sort(alerts)
	return Check{
		Name:    c.name,
		Status:  StatusDegraded,
		Message: "alerts firing: " + strings.Join(alerts, ","),
	}
}
