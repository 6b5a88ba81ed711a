package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/avibox/avibox/internal/errors"
)

const (
	webhookTimeout       = 10 * time.Second
	webhookRatePerSecond = 1
	webhookBurst         = 5
)

// webhookEndpoint is one resolved destination. Basic-auth credentials come
// from the configured URL's userinfo and are stripped before sending.
type webhookEndpoint struct {
	url     *url.URL
	user    string
	pass    string
	bearer  string
	limiter *rate.Limiter
}

// WebhookAdapter posts matched detections as JSON, one rate limiter per
// target.
type WebhookAdapter struct {
	endpoints map[string]*webhookEndpoint
	client    *http.Client
}

// WebhookOption configures the adapter after target parsing.
type WebhookOption func(*WebhookAdapter)

// WithBearerToken attaches a bearer token to one target, overriding any
// basic auth carried in its URL.
func WithBearerToken(target, token string) WebhookOption {
	return func(a *WebhookAdapter) {
		if ep, ok := a.endpoints[target]; ok {
			ep.bearer = token
		}
	}
}

// NewWebhookAdapter parses and validates every target URL up front so a bad
// endpoint surfaces at startup, not on the first matching detection.
func NewWebhookAdapter(targets map[string]string, opts ...WebhookOption) (*WebhookAdapter, error) {
	a := &WebhookAdapter{
		endpoints: make(map[string]*webhookEndpoint, len(targets)),
		client:    &http.Client{Timeout: webhookTimeout},
	}
	for name, raw := range targets {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errors.New(err).
				Component("notify").
				Category(errors.CategoryConfiguration).
				Context("target", name).
				Build()
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, errors.Newf("webhook target %q: unsupported scheme %q", name, u.Scheme).
				Component("notify").
				Category(errors.CategoryConfiguration).
				Build()
		}

		ep := &webhookEndpoint{
			url:     u,
			limiter: rate.NewLimiter(rate.Limit(webhookRatePerSecond), webhookBurst),
		}
		if ui := u.User; ui != nil {
			ep.user = ui.Username()
			ep.pass, _ = ui.Password()
			clean := *u
			clean.User = nil
			ep.url = &clean
		}
		a.endpoints[name] = ep
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name implements Dispatcher.
func (a *WebhookAdapter) Name() string { return ServiceWebhook }

// Dispatch implements Dispatcher. Rate-limited attempts are dropped, not
// queued.
func (a *WebhookAdapter) Dispatch(ctx context.Context, n Notification) error {
	ep, ok := a.endpoints[n.Target]
	if !ok {
		return errors.Newf("webhook target %q not configured", n.Target).
			Component("notify").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if !ep.limiter.Allow() {
		return errors.Newf("webhook target %q rate limited", n.Target).
			Component("notify").
			Category(errors.CategoryNotification).
			Build()
	}

	body, err := json.Marshal(newPayload(&n))
	if err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryNotification).
			Build()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url.String(), bytes.NewReader(body))
	if err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryNetwork).
			Build()
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case ep.bearer != "":
		req.Header.Set("Authorization", "Bearer "+ep.bearer)
	case ep.user != "":
		req.SetBasicAuth(ep.user, ep.pass)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryNetwork).
			Context("target", n.Target).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errors.Newf("webhook target %q returned %s", n.Target, resp.Status).
			Component("notify").
			Category(errors.CategoryHTTP).
			Build()
	}
	return nil
}
