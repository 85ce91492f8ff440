package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/events"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 1024
)

// WebhookDispatcher forwards bus events to the configured webhooks. Delivery
// is at most once: events are queued without blocking the bus and dropped
// when the queue is full.
type WebhookDispatcher struct {
	bus      *events.Bus
	webhooks []config.WebhookConfig
	filters  []eventFilter
	client   *http.Client
	logger   *zap.Logger
	queue    chan events.Event
}

// NewWebhookDispatcher returns nil when no webhook is enabled.
func NewWebhookDispatcher(bus *events.Bus, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &WebhookDispatcher{
		bus:    bus,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
		queue:  make(chan events.Event, defaultWebhookQueue),
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.webhooks = append(d.webhooks, hook)
		d.filters = append(d.filters, newEventFilter(hook.Events))
	}
	if len(d.webhooks) == 0 {
		return nil
	}
	return d
}

// Run delivers events until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	unsub := d.bus.Subscribe(events.Filter{}, func(e events.Event) {
		select {
		case d.queue <- e:
		default:
			d.logger.Warn("webhook queue full, dropping event", zap.Int64("event_id", e.ID))
		}
	})
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-d.queue:
			d.dispatch(ctx, e)
		}
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, e events.Event) {
	for i, hook := range d.webhooks {
		if !d.filters[i].match(string(e.Kind)) {
			continue
		}
		if err := d.postEvent(ctx, hook, e); err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL), zap.Int64("event_id", e.ID), zap.Error(err))
		}
	}
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forgeline-Event", string(e.Kind))
	req.Header.Set("X-Forgeline-Delivery", fmt.Sprintf("%d", e.ID))
	req.Header.Set("X-Forgeline-Project", e.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Forgeline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(kinds []string) eventFilter {
	if len(kinds) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
