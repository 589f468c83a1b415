package pipeline

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// WebhookTokenHeader carries the shared webhook secret when one is
// configured.
const WebhookTokenHeader = "X-Sway-Webhook-Token"

// PushSubject is the NATS subject pushes arrive on when the forge
// publishes instead of calling the webhook.
const PushSubject = "sway.pipeline.push"

// Receiver defaults. Forges batch-deliver on reconnect, so the burst
// runs ahead of the sustained rate.
const (
	DefaultWebhookRate  = 5 // requests per second
	DefaultWebhookBurst = 10
)

// maxPushBody bounds one webhook request body.
const maxPushBody = 1 << 20

// RunTrigger starts runs for pushes. *Pipeline satisfies it.
type RunTrigger interface {
	Trigger(ctx context.Context, event PushEvent) (*Run, error)
}

// Receiver accepts push events over HTTP at /hooks/push. Requests are
// rate limited, optionally authenticated with a shared token, and
// answered before the run executes: 202 means queued, 200 means the
// branch is not one the pipeline deploys.
type Receiver struct {
	trigger RunTrigger
	limiter *rate.Limiter
	token   string
	logger  *slog.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver) error

// WithWebhookToken requires the shared token on every request. The
// token comes out of the secrets resolver at wiring time; without this
// option the hook is open.
func WithWebhookToken(token string) ReceiverOption {
	return func(r *Receiver) error {
		if token == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Receiver", "WithWebhookToken",
				"token cannot be empty")
		}
		r.token = token
		return nil
	}
}

// WithWebhookRateLimit overrides the request rate limit.
func WithWebhookRateLimit(perSecond float64, burst int) ReceiverOption {
	return func(r *Receiver) error {
		if perSecond <= 0 || burst <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Receiver", "WithWebhookRateLimit",
				"rate and burst must be positive")
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithReceiverLogger sets the logger. Nil falls back to slog.Default.
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// NewReceiver creates a webhook receiver feeding the given trigger.
func NewReceiver(trigger RunTrigger, opts ...ReceiverOption) (*Receiver, error) {
	if trigger == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Receiver", "NewReceiver",
			"trigger cannot be nil")
	}

	r := &Receiver{
		trigger: trigger,
		limiter: rate.NewLimiter(rate.Limit(DefaultWebhookRate), DefaultWebhookBurst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "webhook")
	return r, nil
}

// ServeHTTP implements http.Handler.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}

	if !r.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	if !r.authorized(req) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad webhook token"})
		return
	}

	var event PushEvent
	body := http.MaxBytesReader(w, req.Body, maxPushBody)
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed push event"})
		return
	}

	if _, ok := MapBranch(event); !ok {
		r.logger.Debug("Ignoring push", "repo", event.Repo, "branch", event.Branch)
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "branch not mapped to an environment",
		})
		return
	}

	run, err := r.trigger.Trigger(req.Context(), event)
	if err != nil {
		switch {
		case errors.IsInvalid(err):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case stderrors.Is(err, errors.ErrRateLimited):
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "pipeline busy"})
		default:
			r.logger.Error("Failed to trigger run", "repo", event.Repo,
				"branch", event.Branch, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pipeline unavailable"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"run_id":      run.ID,
		"environment": run.Environment.String(),
	})
}

// authorized checks the shared token when one is configured. The
// compare is constant time.
func (r *Receiver) authorized(req *http.Request) bool {
	if r.token == "" {
		return true
	}
	presented := req.Header.Get(WebhookTokenHeader)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(r.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// SubscribePush attaches the pipeline to the push subject, the second
// ingress next to the webhook. Malformed and unmapped messages are
// dropped with a log line; there is nobody to answer.
func (p *Pipeline) SubscribePush(ctx context.Context, client *natsclient.Client) error {
	if client == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "SubscribePush",
			"nats client cannot be nil")
	}

	err := client.Subscribe(ctx, PushSubject, func(msgCtx context.Context, data []byte) {
		var event PushEvent
		if err := json.Unmarshal(data, &event); err != nil {
			p.logger.Warn("Ignoring malformed push message", "error", err)
			return
		}
		if _, ok := MapBranch(event); !ok {
			p.logger.Debug("Ignoring push", "repo", event.Repo, "branch", event.Branch)
			return
		}
		if _, err := p.Trigger(msgCtx, event); err != nil {
			p.logger.Error("Failed to trigger run from push message",
				"repo", event.Repo, "branch", event.Branch, "error", err)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Pipeline", "SubscribePush", "subscribe "+PushSubject)
	}

	p.logger.Info("Listening for pushes", "subject", PushSubject)
	return nil
}
