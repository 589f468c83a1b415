package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// Audit stream layout. Every stage transition of every run is appended
// under sway.audit.pipeline.<runID>, so one run's history reads back as
// a single subject and the whole pipeline as a wildcard.
const (
	AuditStream        = "SWAY_AUDIT"
	AuditSubjectPrefix = "sway.audit.pipeline."
	auditSubjects      = "sway.audit.>"
)

// DefaultAuditMaxAge is how long audit entries stay replayable.
const DefaultAuditMaxAge = 90 * 24 * time.Hour

// AuditEntry is one appended stage transition.
type AuditEntry struct {
	RunID  string    `json:"run_id"`
	From   Stage     `json:"from,omitempty"`
	To     Stage     `json:"to"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// AuditSubject returns the stream subject a run's entries publish
// under.
func AuditSubject(runID string) string {
	return AuditSubjectPrefix + runID
}

// Auditor appends run transitions to the SWAY_AUDIT JetStream stream.
// The stream outlives the KV run records; it is the durable answer to
// "who promoted what, when".
type Auditor struct {
	client *natsclient.Client
	logger *slog.Logger
}

// AuditorOption configures an Auditor.
type AuditorOption func(*auditorOptions)

type auditorOptions struct {
	stream string
	maxAge time.Duration
	logger *slog.Logger
}

// WithAuditStream overrides the stream name.
func WithAuditStream(name string) AuditorOption {
	return func(o *auditorOptions) {
		o.stream = name
	}
}

// WithAuditMaxAge overrides the stream retention window.
func WithAuditMaxAge(maxAge time.Duration) AuditorOption {
	return func(o *auditorOptions) {
		o.maxAge = maxAge
	}
}

// WithAuditorLogger sets the logger.
func WithAuditorLogger(logger *slog.Logger) AuditorOption {
	return func(o *auditorOptions) {
		o.logger = logger
	}
}

// NewAuditor creates the auditor, creating or reusing the audit
// stream.
func NewAuditor(client *natsclient.Client, opts ...AuditorOption) (*Auditor, error) {
	if client == nil {
		return nil, errors.WrapFatal(stderrors.New("nats client cannot be nil"),
			"Auditor", "NewAuditor", "client validation")
	}

	o := auditorOptions{stream: AuditStream, maxAge: DefaultAuditMaxAge}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ctx := context.Background()
	if _, err := client.GetStream(ctx, o.stream); err != nil {
		_, err = client.CreateStream(ctx, jetstream.StreamConfig{
			Name:        o.stream,
			Description: "Pipeline stage transition audit log",
			Subjects:    []string{auditSubjects},
			Storage:     jetstream.FileStorage,
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      o.maxAge,
		})
		if err != nil {
			if stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
				// Lost the creation race; the winner's stream serves.
				_, err = client.GetStream(ctx, o.stream)
			}
			if err != nil {
				return nil, errors.WrapTransient(err, "Auditor", "NewAuditor", "create audit stream")
			}
		}
	}

	return &Auditor{
		client: client,
		logger: o.logger,
	}, nil
}

// Append writes one transition to the audit stream. Missing timestamps
// are stamped on the way in.
func (a *Auditor) Append(ctx context.Context, entry AuditEntry) error {
	if entry.RunID == "" {
		return errors.WrapInvalid(stderrors.New("audit entry must name a run"),
			"Auditor", "Append", "entry validation")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapFatal(err, "Auditor", "Append", "marshal entry")
	}

	if err := a.client.PublishToStream(ctx, AuditSubject(entry.RunID), data); err != nil {
		return errors.WrapTransient(err, "Auditor", "Append",
			fmt.Sprintf("append %s -> %s for run %s", entry.From, entry.To, entry.RunID))
	}

	a.logger.Debug("audit entry appended",
		"run", entry.RunID, "from", entry.From.String(), "to", entry.To.String())
	return nil
}
