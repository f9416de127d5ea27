// Package payout предоставляет клиент для внешней платёжной системы.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

// ErrRejected возвращается, если платёжная система отклонила инструкцию без повтора (400 или 422).
var ErrRejected = errors.New("payout rejected")

// Instruction описывает поручение на выплату по зарезервированной заявке.
type Instruction struct {
	RequestID   string     `json:"request_id"`
	Rail        model.Rail `json:"rail"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Destination string     `json:"destination"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжной системой.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент платёжной системы по указанному адресу.
// Ошибки соединения и ответы 5xx повторяются с экспоненциальной паузой, 429 отдаётся вызывающему.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = 5 * time.Second

	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{s: logger.Named("payout").Sugar()}

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{baseURL: base, httpClient: rc}
}

// Configured сообщает, задан ли адрес платёжной системы.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Submit передаёт поручение платёжной системе.
// Возвращает код ответа и паузу из Retry-After для 429; 200, 202 и 409 считаются принятым поручением.
func (c *Client) Submit(ctx context.Context, in Instruction) (int, time.Duration, error) {
	if !c.Configured() {
		return 0, 0, fmt.Errorf("payout client not configured")
	}

	body, err := json.Marshal(in)
	if err != nil {
		return 0, 0, fmt.Errorf("encode instruction: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/payouts", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.RequestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusConflict:
		return resp.StatusCode, 0, nil
	case http.StatusTooManyRequests:
		return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")), nil
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return resp.StatusCode, 0, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	// Прочие ответы, включая 401, 403 и 404, повторяются на следующем тике.
	return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// leveledLogger пишет журнал retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
