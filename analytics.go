package session

import (
	"time"

	"github.com/bt-bridge/tutor-session/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Analytics receives fire-and-forget notifications from the session core.
// Implementations must never block the caller meaningfully and must swallow
// their own failures; the session never depends on them.
type Analytics interface {
	SessionStarted(scenarioID, level string)
	MessageReceived(frameType string)
	LearningEvent(name string, attrs map[string]string)
}

type NopAnalytics struct{}

var _ Analytics = NopAnalytics{}

func (NopAnalytics) SessionStarted(string, string)           {}
func (NopAnalytics) MessageReceived(string)                  {}
func (NopAnalytics) LearningEvent(string, map[string]string) {}

// HTTPAnalytics posts events as JSON to a collector endpoint. Errors are
// logged at debug and otherwise dropped.
type HTTPAnalytics struct {
	logger  shared.LoggerAdapter
	url     string
	timeout time.Duration
}

var _ Analytics = (*HTTPAnalytics)(nil)

func NewHTTPAnalytics(logger shared.LoggerAdapter, cfg AnalyticsConfig) *HTTPAnalytics {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAnalytics{logger: logger, url: cfg.URL, timeout: timeout}
}

func (a *HTTPAnalytics) SessionStarted(scenarioID, level string) {
	a.post(map[string]any{
		"event":       "session_started",
		"scenario_id": scenarioID,
		"level":       level,
	})
}

func (a *HTTPAnalytics) MessageReceived(frameType string) {
	a.post(map[string]any{
		"event":      "message_received",
		"frame_type": frameType,
	})
}

func (a *HTTPAnalytics) LearningEvent(name string, attrs map[string]string) {
	payload := map[string]any{"event": "learning_event", "name": name}
	for k, v := range attrs {
		payload[k] = v
	}
	a.post(payload)
}

func (a *HTTPAnalytics) post(payload map[string]any) {
	if a.url == "" {
		return
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		a.logger.Debug("marshaling analytics payload", zap.Error(err))
		return
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := fasthttp.DoTimeout(req, resp, a.timeout); err != nil {
		a.logger.Debug("posting analytics event", zap.Error(err))
	}
}
