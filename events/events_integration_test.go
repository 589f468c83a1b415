package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/platform"
)

type EventsIntegrationSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	natsClient *natsclient.Client
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *EventsIntegrationSuite) SetupSuite() {
	// Core NATS only. Events are fire-and-forget, no JetStream needed.
	s.testClient = natsclient.NewTestClient(s.T())
	s.natsClient = s.testClient.Client
}

func (s *EventsIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
}

func (s *EventsIntegrationSuite) TearDownTest() {
	s.cancel()
}

func (s *EventsIntegrationSuite) newPublisher(source string) *Publisher {
	p, err := NewPublisher(s.natsClient, source,
		WithPublisherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	return p
}

func (s *EventsIntegrationSuite) TestPublishRoutesBySubject() {
	received := make(chan []byte, 1)
	err := s.natsClient.Subscribe(s.ctx, SubjectFor(TypeDeployStarted), func(_ context.Context, data []byte) {
		received <- data
	})
	s.Require().NoError(err)

	publisher := s.newPublisher("orchestrator")
	event, err := NewDeployStarted("rel-1", platform.EnvDev)
	s.Require().NoError(err)
	s.Require().NoError(publisher.Publish(s.ctx, event))

	select {
	case data := <-received:
		var got Event
		s.Require().NoError(json.Unmarshal(data, &got))
		s.Equal(event.ID, got.ID)
		s.Equal(TypeDeployStarted, got.Type)
		s.Equal("orchestrator", got.Source, "publisher stamps its source")
	case <-time.After(5 * time.Second):
		s.Fail("event not delivered on its subject")
	}
}

func (s *EventsIntegrationSuite) TestWildcardSeesAllTypes() {
	received := make(chan Event, 4)
	err := s.natsClient.Subscribe(s.ctx, SubjectWildcard, func(_ context.Context, data []byte) {
		var event Event
		if json.Unmarshal(data, &event) == nil {
			received <- event
		}
	})
	s.Require().NoError(err)

	publisher := s.newPublisher("pipeline")
	s.Require().NoError(publisher.Emit(s.ctx, TypePipelineStage, PipelineEventData{
		RunID:       "run-1",
		Environment: platform.EnvStaging,
		Stage:       "building",
	}))
	s.Require().NoError(publisher.Emit(s.ctx, TypeApprovalRequested, ApprovalEventData{
		RunID:       "run-1",
		Environment: platform.EnvProduction,
	}))

	types := make(map[Type]bool)
	deadline := time.After(5 * time.Second)
	for len(types) < 2 {
		select {
		case event := <-received:
			types[event.Type] = true
		case <-deadline:
			s.Failf("missing events", "saw %v", types)
			return
		}
	}
	s.True(types[TypePipelineStage])
	s.True(types[TypeApprovalRequested])
}

func (s *EventsIntegrationSuite) TestHubBridgesNATSToWebsocket() {
	hub, err := NewHub(WithHubLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	defer func() { _ = hub.Close() }()

	s.Require().NoError(hub.AttachNATS(s.ctx, s.natsClient))

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(s.T(), srv)
	waitForClients(s.T(), hub, 1)

	publisher := s.newPublisher("orchestrator")
	event, err := NewSupergraphUpdated(platform.EnvDev, "abc123", "rel-1", 9)
	s.Require().NoError(err)
	s.Require().NoError(publisher.Publish(s.ctx, event))

	got := readEvent(s.T(), conn)
	s.Equal(event.ID, got.ID)
	s.Equal(TypeSupergraphUpdated, got.Type)
	s.Equal("orchestrator", got.Source)
}

func TestEventsIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(EventsIntegrationSuite))
}
