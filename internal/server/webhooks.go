package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"journalflow/internal/config"
	"journalflow/internal/domain"
	"journalflow/internal/repo"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// AuditForwarder polls the event log and POSTs new events to the configured
// audit webhooks. Each hook keeps its own cursor; a failed delivery is retried
// from the same event on the next tick.
type AuditForwarder struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Interval time.Duration
	client   *http.Client
	cursors  map[int]int64
}

// StartAuditForwarder runs the forwarder until ctx is cancelled. It returns
// immediately when no hook is configured.
func StartAuditForwarder(ctx context.Context, r repo.Repo, cfg *config.Config) {
	if cfg == nil || len(cfg.AuditWebhooks) == 0 {
		return
	}
	f := NewAuditForwarder(r, cfg.AuditWebhooks)
	go f.Run(ctx)
}

func NewAuditForwarder(r repo.Repo, hooks []config.WebhookConfig) *AuditForwarder {
	return &AuditForwarder{
		Repo:     r,
		Hooks:    hooks,
		Interval: defaultForwardInterval,
		client:   &http.Client{Timeout: defaultForwardTimeout},
		cursors:  make(map[int]int64),
	}
}

func (f *AuditForwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	for {
		f.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick delivers one batch per enabled hook.
func (f *AuditForwarder) Tick(ctx context.Context) {
	for i, hook := range f.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.forward(ctx, i, hook)
	}
}

func (f *AuditForwarder) forward(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := f.cursors[idx]
	if !ok {
		// Only events recorded after startup are forwarded.
		latest, err := f.Repo.LatestEventID(ctx)
		if err != nil {
			log.Error().Err(err).Msg("audit forwarder: init cursor")
			return
		}
		f.cursors[idx] = latest
		return
	}
	batch, err := f.Repo.EventsAfter(ctx, repo.EventFilter{}, cursor, defaultForwardBatch)
	if err != nil {
		log.Error().Err(err).Msg("audit forwarder: fetch events")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range batch {
		if filter.match(evt.Type) {
			if err := f.post(ctx, hook, evt); err != nil {
				log.Warn().Err(err).Str("url", hook.URL).Int64("event_id", evt.ID).Msg("audit forwarder: delivery failed")
				return
			}
		}
		f.cursors[idx] = evt.ID
	}
}

type auditEnvelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	JournalID  string          `json:"journal_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (f *AuditForwarder) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(auditEnvelope{
		ID:         evt.ID,
		Type:       evt.Type,
		JournalID:  evt.JournalID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := f.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Journalflow-Event", evt.Type)
	req.Header.Set("X-Journalflow-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.JournalID != "" {
		req.Header.Set("X-Journalflow-Journal", evt.JournalID)
	}
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Journalflow-Signature", "sha256="+signBody(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

// newEventFilter accepts exact types and "prefix.*" wildcards.
func newEventFilter(types []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, t := range types {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case t == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(t, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(t, "*"))
		default:
			f.set[t] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
