// Package analysis is the client for the third-party graph analysis API.
// It exchanges an API key for a bearer token, starts analyses, polls their
// status and fetches the finished metadata and summaries.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/metrics"
)

// Config configures the analysis client.
type Config struct {
	BaseURL     string        // e.g. https://graph.example.com/api/v1
	APIKey      string        // Sent as x-api-key to obtain a token
	AnalyzePath string        // Path that starts an analysis, default /analyze
	Timeout     time.Duration // Per-request timeout
	TokenTTL    time.Duration // How long a token is reused
}

// Client talks to the analysis API.
type Client struct {
	cfg  Config
	http *resty.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

// NewClient creates an analysis client.
func NewClient(cfg Config) *Client {
	if cfg.AnalyzePath == "" {
		cfg.AnalyzePath = "/analyze"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}

	c := &Client{cfg: cfg, now: time.Now}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are retried here; writes are retried by the job queue.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})
	return c
}

// ─── Auth ───────────────────────────────────────────────────────────────────

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	var out struct {
		Token string `json:"token"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-api-key", c.cfg.APIKey).
		SetResult(&out).
		Post("/auth/token")
	if err := c.check("token", resp, err); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", domain.Upstream("analysis token", errors.New("empty token in response"))
	}
	c.token = out.Token
	c.tokenExp = c.now().Add(c.cfg.TokenTTL)
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do sends an authenticated request, refreshing the token once on 401.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body, result any) error {
	start := time.Now()
	defer func() {
		metrics.AnalysisLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.bearer(ctx)
		if err != nil {
			metrics.AnalysisRequests.WithLabelValues(endpoint, "auth_error").Inc()
			return err
		}
		req := c.http.R().SetContext(ctx).SetAuthToken(token)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Execute(method, path)
		if err == nil && resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.dropToken()
			continue
		}
		if err := c.check(endpoint, resp, err); err != nil {
			return err
		}
		metrics.AnalysisRequests.WithLabelValues(endpoint, "ok").Inc()
		return nil
	}
	return domain.Upstream("analysis "+endpoint, errors.New("unauthorized"))
}

func (c *Client) check(endpoint string, resp *resty.Response, err error) error {
	if err != nil {
		metrics.AnalysisRequests.WithLabelValues(endpoint, "error").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Timeout("analysis "+endpoint, err)
		}
		return domain.Upstream("analysis "+endpoint, err)
	}
	if !resp.IsSuccess() {
		metrics.AnalysisRequests.WithLabelValues(endpoint, "http_"+fmt.Sprint(resp.StatusCode())).Inc()
		body := strings.TrimSpace(resp.String())
		if len(body) > 200 {
			body = body[:200]
		}
		return domain.Upstream("analysis "+endpoint, fmt.Errorf("status %d: %s", resp.StatusCode(), body))
	}
	return nil
}

// ─── Analysis ───────────────────────────────────────────────────────────────

// StartAnalysis asks the service to analyze an account and returns its task ID.
func (c *Client) StartAnalysis(ctx context.Context, accountID string, force bool) (string, error) {
	var out struct {
		TaskID string `json:"taskId"`
	}
	body := map[string]any{"accountId": accountID, "force": force}
	if err := c.do(ctx, "analyze", http.MethodPost, c.cfg.AnalyzePath, body, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", domain.Upstream("analysis analyze", errors.New("response has no taskId"))
	}
	return out.TaskID, nil
}

// statusResponse accepts both the flat and the {status, data:{...}} shapes.
type statusResponse struct {
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep"`
	Error       string `json:"error"`
	Data        *struct {
		Progress    int    `json:"progress"`
		CurrentStep string `json:"currentStep"`
		Error       string `json:"error"`
	} `json:"data"`
}

// AnalysisStatus polls one analysis task.
func (c *Client) AnalysisStatus(ctx context.Context, analysisTaskID string) (*domain.AnalysisStatus, error) {
	var out statusResponse
	if err := c.do(ctx, "status", http.MethodGet, "/status/"+analysisTaskID, nil, &out); err != nil {
		return nil, err
	}
	st := &domain.AnalysisStatus{
		TaskID:      analysisTaskID,
		Status:      out.Status,
		Progress:    out.Progress,
		CurrentStep: out.CurrentStep,
		Error:       out.Error,
	}
	if out.Data != nil {
		if st.Progress == 0 {
			st.Progress = out.Data.Progress
		}
		if st.CurrentStep == "" {
			st.CurrentStep = out.Data.CurrentStep
		}
		if st.Error == "" {
			st.Error = out.Data.Error
		}
	}
	return st, nil
}

// WaitForCompletion polls until the analysis is complete or failed, or
// maxWait elapses. Failed polls are logged and polling continues.
func (c *Client) WaitForCompletion(ctx context.Context, analysisTaskID string, interval, maxWait time.Duration, onProgress func(domain.AnalysisStatus)) (*domain.AnalysisStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.AnalysisStatus(ctx, analysisTaskID)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Printf("[analysis] status poll task=%s: %v", analysisTaskID, err)
		case err == nil:
			if onProgress != nil {
				onProgress(*st)
			}
			if st.Status == domain.AnalysisFailed {
				msg := st.Error
				if msg == "" {
					msg = "no reason given"
				}
				return st, domain.Upstream("analysis", fmt.Errorf("%w: %s", domain.ErrAnalysisFailed, msg))
			}
			if st.Status == domain.AnalysisComplete {
				return st, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.Timeout("analysis", fmt.Errorf("%w after %s", domain.ErrAnalysisTimeout, maxWait))
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ─── Results ────────────────────────────────────────────────────────────────

// FetchResult retrieves metadata and summaries for a finished account.
func (c *Client) FetchResult(ctx context.Context, accountID string) (*domain.AnalysisReport, error) {
	var meta map[string]any
	if err := c.do(ctx, "metadata", http.MethodGet, "/metadata/"+accountID, nil, &meta); err != nil {
		return nil, err
	}
	var sums map[string]any
	if err := c.do(ctx, "summaries", http.MethodGet, "/summaries/"+accountID, nil, &sums); err != nil {
		return nil, err
	}

	result, err := toResult(meta, sums)
	if err != nil {
		return nil, domain.Upstream("analysis result", fmt.Errorf("account %s: %w", accountID, err))
	}
	return &domain.AnalysisReport{Metadata: meta, Summaries: sums, Result: result}, nil
}

// toResult lifts the fields written to the contract out of the raw responses.
func toResult(meta, sums map[string]any) (domain.AnalysisResult, error) {
	merged := make(map[string]any, len(meta)+len(sums))
	for k, v := range meta {
		merged[k] = v
	}
	for k, v := range sums {
		merged[k] = v
	}
	var r domain.AnalysisResult
	b, err := json.Marshal(merged)
	if err != nil {
		return r, fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}
