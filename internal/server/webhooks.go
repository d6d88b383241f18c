package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/engine"
)

// Dispatcher forwards coordinator events to configured webhook endpoints.
// It tails the event log with a cursor, so a restart re-delivers at most
// the events after its starting point.
type Dispatcher struct {
	Engine    *engine.Engine
	Endpoints []config.WebhookEndpoint
	Log       *zap.Logger
	Client    *http.Client
	// Interval between polls of the event log.
	Interval time.Duration

	cursor int64
}

func (d *Dispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (d *Dispatcher) interval() time.Duration {
	if d.Interval > 0 {
		return d.Interval
	}
	return 2 * time.Second
}

func wants(ep config.WebhookEndpoint, eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, t := range ep.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// sign returns the hex HMAC-SHA256 of the payload under the endpoint
// secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Run polls and delivers until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	if len(d.Endpoints) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		evs, cursor, err := d.Engine.Repo.ListEvents(d.Engine.DB, "", d.cursor, 100)
		if err != nil {
			log.Warn("webhook poll failed", zap.Error(err))
			continue
		}
		if len(evs) == 0 {
			continue
		}
		d.cursor = cursor
		for _, ev := range evs {
			d.deliver(ctx, log, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, log *zap.Logger, ev domain.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, ep := range d.Endpoints {
		if !wants(ep, ev.Type) {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Storyline-Event", ev.Type)
		if ep.Secret != "" {
			req.Header.Set("X-Storyline-Signature", sign(ep.Secret, body))
		}
		resp, err := d.client().Do(req)
		if err != nil {
			log.Warn("webhook delivery failed",
				zap.String("url", ep.URL), zap.String("event", ev.Type), zap.Error(err))
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Warn("webhook endpoint returned error",
				zap.String("url", ep.URL), zap.Int("status", resp.StatusCode))
		}
	}
}
