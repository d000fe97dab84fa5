package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20 // 1 MiB
)

// HTTPGateway — Evaluator поверх REST API внешнего decision-движка.
//
// Запрос:
//
//	POST {BaseURL}/decisions/{decisionID}/evaluate
//	Content-Type: application/json
//
//	{"customer": "Business", "orderSize": 15}
//
// Ответ:
//
//	{"result": 0.15, "matched": true}
//
// Коды ответа:
//   - 200 — результат (matched=false или отсутствие result — нет совпадения)
//   - 400, 404, 422 — ErrEvaluation
//   - 5xx, 408, 429, ошибки сети, таймаут — ErrUnavailable
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// evaluateResponse — тело ответа движка.
type evaluateResponse struct {
	Result  any    `json:"result"`
	Matched *bool  `json:"matched,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewHTTPGateway создаёт HTTPGateway.
// timeout ограничивает один HTTP-запрос (default: 30s).
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Evaluate вычисляет decision через HTTP.
func (g *HTTPGateway) Evaluate(ctx context.Context, decisionID string, input map[string]any) (Result, error) {
	if decisionID == "" {
		return Result{}, fmt.Errorf("%w: empty decision id", ErrEvaluation)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal input: %v", ErrEvaluation, err)
	}

	endpoint := fmt.Sprintf("%s/decisions/%s/evaluate", g.baseURL, url.PathEscape(decisionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		// Таймаут, отмена, сеть — всё это временные сбои.
		// Для context.DeadlineExceeded сохраняем цепочку, чтобы errors.Is работал.
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if len(respBody) > maxResponseBody {
		return Result{}, fmt.Errorf("%w: response exceeds %d bytes", ErrEvaluation, maxResponseBody)
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return Result{}, err
	}

	var parsed evaluateResponse
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrEvaluation, err)
	}

	// matched не прислан — считаем, что null означает отсутствие совпадения
	if parsed.Matched == nil {
		if parsed.Result == nil {
			return NoResult(), nil
		}
		return Of(parsed.Result), nil
	}

	if !*parsed.Matched {
		return NoResult(), nil
	}
	return Of(parsed.Result), nil
}

// classifyStatus переводит HTTP-код ответа в ошибку шлюза.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, status, truncate(string(body), 200))
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrEvaluation, status, truncate(string(body), 200))
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
