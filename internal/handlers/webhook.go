package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/notify"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/internal/worker"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// WebhookRequest webhook.deliver 的 payload
type WebhookRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
	// Dependency 熔斷器名稱，預設 "webhook:" + host
	Dependency string `json:"dependency,omitempty"`
}

// WebhookResult webhook.deliver 的結果
type WebhookResult struct {
	StatusCode int `json:"status_code"`
}

// DeliverWebhook POSTs the body through the named dependency's breaker.
//
// 狀態碼分類：
//
//	5xx            → Transient(unavailable)，計入熔斷器
//	429            → Transient(rate_limited)
//	401 / 403      → Permanent(auth)
//	其他 4xx       → Permanent(validation)
//	網路錯誤       → Transient（逾時為 timeout）
func DeliverWebhook(client *http.Client) func(context.Context, *worker.TaskContext, WebhookRequest) (WebhookResult, error) {
	return func(ctx context.Context, tc *worker.TaskContext, req WebhookRequest) (WebhookResult, error) {
		u, err := url.Parse(req.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return WebhookResult{}, fault.Permanent(fault.KindValidation, fmt.Errorf("invalid webhook url %q", req.URL))
		}
		dep := req.Dependency
		if dep == "" {
			dep = "webhook:" + u.Host
		}

		var res WebhookResult
		err = tc.Call(ctx, dep, func(ctx context.Context) error {
			code, err := post(ctx, client, u.String(), req, tc.Task)
			res.StatusCode = code
			return err
		})
		return res, err
	}
}

func post(ctx context.Context, client *http.Client, target string, req WebhookRequest, task types.Task) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.Body))
	if err != nil {
		return 0, fault.Permanent(fault.KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", task.IdempotencyKey)
	if task.TraceID != "" {
		httpReq.Header.Set("X-Trace-Id", task.TraceID)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, classifyTransport(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fault.Transient(fault.KindRateLimited, fmt.Errorf("webhook returned %d", code))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fault.Permanent(fault.KindAuth, fmt.Errorf("webhook returned %d", code))
	case code >= 500:
		return fault.Transient(fault.KindUnavailable, fmt.Errorf("webhook returned %d", code))
	default:
		return fault.Permanent(fault.KindValidation, fmt.Errorf("webhook returned %d", code))
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fault.Transient(fault.KindTimeout, err)
	}
	return fault.Transient(fault.KindUnavailable, err)
}

// ============================================================================
// WebhookPublisher
// ============================================================================

// Submitter is the part of the controller the publisher needs.
type Submitter interface {
	Submit(ctx context.Context, req taskstore.SubmitRequest) (types.Task, bool, error)
}

// WebhookPublisher turns outbound events into webhook.deliver tasks, so
// delivery inherits retries, dead letters and the breaker.
type WebhookPublisher struct {
	submitter Submitter
	url       string
	events    []notify.EventType
	headers   map[string]string
}

// NewWebhookPublisher delivers the listed event types to url; an empty list
// means every type.
func NewWebhookPublisher(s Submitter, url string, events []notify.EventType, headers map[string]string) *WebhookPublisher {
	return &WebhookPublisher{submitter: s, url: url, events: events, headers: headers}
}

func (p *WebhookPublisher) Publish(ctx context.Context, ev notify.Event) error {
	// 投遞任務本身的事件不再轉成 webhook，否則會無限循環
	if ev.Kind == KindWebhookDeliver {
		return nil
	}
	if len(p.events) > 0 && !slices.Contains(p.events, ev.Type) {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	payload, err := json.Marshal(WebhookRequest{URL: p.url, Headers: p.headers, Body: body})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	_, _, err = p.submitter.Submit(ctx, taskstore.SubmitRequest{
		Kind:           KindWebhookDeliver,
		Payload:        payload,
		IdempotencyKey: "webhook:" + ev.ID,
		TraceID:        ev.TraceID,
	})
	return err
}

var _ notify.Publisher = (*WebhookPublisher)(nil)
