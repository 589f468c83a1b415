package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// Publisher emits platform events on core NATS subjects. Events are
// fire-and-forget telemetry: a lost event never fails the operation
// that produced it, so callers log publish errors instead of
// propagating them.
type Publisher struct {
	client *natsclient.Client
	source string
	logger *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher) error

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) error {
		if logger == nil {
			return errors.WrapInvalid(
				stderrors.New("logger cannot be nil"),
				"Publisher", "WithPublisherLogger", "validate logger")
		}
		p.logger = logger
		return nil
	}
}

// NewPublisher creates a publisher that stamps events with the given
// source, e.g. "orchestrator" or "pipeline".
func NewPublisher(client *natsclient.Client, source string, opts ...PublisherOption) (*Publisher, error) {
	if client == nil {
		return nil, errors.WrapFatal(
			stderrors.New("nats client cannot be nil"),
			"Publisher", "NewPublisher", "validate client")
	}
	if source == "" {
		return nil, errors.WrapInvalid(
			stderrors.New("source cannot be empty"),
			"Publisher", "NewPublisher", "validate source")
	}

	p := &Publisher{
		client: client,
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "event-publisher", "source", source)
	return p, nil
}

// Publish stamps the event with the publisher's source and puts it on
// sway.events.<type>.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.WrapInvalid(
			stderrors.New("event type cannot be empty"),
			"Publisher", "Publish", "validate event")
	}
	if event.Source == "" {
		event.Source = p.source
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, err),
			"Publisher", "Publish", "marshal event")
	}

	subject := SubjectFor(event.Type)
	if err := p.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Publisher", "Publish", "publish "+subject)
	}

	p.logger.Debug("Published event",
		"type", event.Type,
		"id", event.ID,
		"subject", subject)
	return nil
}

// Emit wraps a payload and publishes it in one step. Construction
// errors and publish errors land in the same return.
func (p *Publisher) Emit(ctx context.Context, eventType Type, payload any) error {
	event, err := New(eventType, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, event)
}
