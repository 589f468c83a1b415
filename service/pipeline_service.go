package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/pipeline"
)

// pipelineRuns is the run surface the pipeline API consumes.
type pipelineRuns interface {
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context) ([]*pipeline.Run, error)
}

// pipelineControl is the run lifecycle surface the API drives.
type pipelineControl interface {
	Approve(ctx context.Context, runID, approver, reason string) (*pipeline.Run, error)
	Reject(ctx context.Context, runID, approver, reason string) (*pipeline.Run, error)
	Resume(ctx context.Context, runID string) (*pipeline.Run, error)
}

// PipelineService runs the GitOps pipeline: push webhooks become runs,
// runs move through build, push, apply, deploy, and verify against the
// CI runner, with the orchestrator executing the deploy stage.
type PipelineService struct {
	*BaseService
	pipe     *pipeline.Pipeline
	store    pipelineRuns
	control  pipelineControl
	receiver *pipeline.Receiver
	client   *natsclient.Client
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewPipelineService creates the pipeline service. The orchestrator
// service must already exist; the deploy stage runs through it.
func NewPipelineService(deps *Dependencies) (Service, error) {
	switch {
	case deps == nil:
		return nil, fmt.Errorf("pipeline requires dependencies")
	case deps.ServiceManager == nil:
		return nil, fmt.Errorf("pipeline requires the service manager")
	case deps.NATSClient == nil:
		return nil, fmt.Errorf("pipeline requires the NATS client")
	case deps.Secrets == nil:
		return nil, fmt.Errorf("pipeline requires the secrets resolver")
	}
	cfg := deps.Config.Pipeline
	if !cfg.Enabled() {
		return nil, fmt.Errorf("pipeline is disabled: no CI runner URL configured")
	}

	svc, ok := deps.ServiceManager.GetService("orchestrator")
	if !ok {
		return nil, fmt.Errorf("pipeline requires the orchestrator service")
	}
	orchSvc, ok := svc.(*OrchestratorService)
	if !ok {
		return nil, fmt.Errorf("service %q is not the orchestrator", svc.Name())
	}

	store, err := pipeline.NewStore(deps.NATSClient,
		pipeline.WithStoreLogger(deps.Logger))
	if err != nil {
		return nil, err
	}
	auditor, err := pipeline.NewAuditor(deps.NATSClient,
		pipeline.WithAuditStream(cfg.AuditStream),
		pipeline.WithAuditorLogger(deps.Logger))
	if err != nil {
		return nil, err
	}

	execOpts := []pipeline.ExecutorOption{pipeline.WithExecutorLogger(deps.Logger)}
	if cfg.CIRunnerTokenSecret != "" {
		secret, serr := deps.Secrets.Resolve(cfg.CIRunnerTokenSecret)
		if serr != nil {
			return nil, serr
		}
		if secret != nil {
			execOpts = append(execOpts, pipeline.WithExecutorToken(secret.Value))
		} else {
			deps.Logger.Warn("CI runner token not found, calling runner unauthenticated",
				"secret", cfg.CIRunnerTokenSecret)
		}
	}
	executor, err := pipeline.NewHTTPExecutor(cfg.CIRunnerURL, execOpts...)
	if err != nil {
		return nil, err
	}

	prober, err := newProber(deps.Config.HealthCheck, deps)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(deps.Logger),
		pipeline.WithMetrics(deps.MetricsRegistry.Metrics),
		pipeline.WithPoolMetrics(deps.MetricsRegistry),
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithQueueSize(cfg.QueueSize),
		pipeline.WithStageTimeout(cfg.StageTimeout),
		pipeline.WithApprovalTimeout(cfg.ApprovalTimeout),
	}
	if deps.Events != nil {
		opts = append(opts, pipeline.WithEvents(deps.Events))
	}

	pipe, err := pipeline.New(pipeline.Dependencies{
		Runs:         store,
		Releases:     deps.Releases,
		Orchestrator: orchSvc.Orchestrator(),
		Registry:     deps.ServiceRegistry,
		Prober:       prober,
		Builder:      executor,
		Pusher:       executor,
		Applier:      executor,
		Audit:        auditor,
	}, opts...)
	if err != nil {
		return nil, err
	}

	recvOpts := []pipeline.ReceiverOption{pipeline.WithReceiverLogger(deps.Logger)}
	if cfg.WebhookTokenSecret != "" {
		secret, serr := deps.Secrets.Resolve(cfg.WebhookTokenSecret)
		if serr != nil {
			return nil, serr
		}
		if secret != nil {
			recvOpts = append(recvOpts, pipeline.WithWebhookToken(secret.Value))
		} else {
			deps.Logger.Warn("webhook token not found, accepting unauthenticated pushes",
				"secret", cfg.WebhookTokenSecret)
		}
	}
	receiver, err := pipeline.NewReceiver(pipe, recvOpts...)
	if err != nil {
		return nil, err
	}

	s := &PipelineService{
		pipe:     pipe,
		store:    store,
		control:  pipe,
		receiver: receiver,
		client:   deps.NATSClient,
		logger:   deps.Logger.With("service", "pipeline"),
	}
	s.BaseService = NewBaseService("pipeline",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
		WithNATS(deps.NATSClient),
	)
	return s, nil
}

// Start brings up the worker pool, resumes interrupted runs, and
// subscribes to push messages.
func (s *PipelineService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if err := s.pipe.Start(runCtx); err != nil {
		cancel()
		return err
	}

	resumed, err := s.pipe.ResumeAll(runCtx)
	if err != nil {
		s.logger.Warn("failed to resume interrupted runs", "error", err)
	} else if resumed > 0 {
		s.logger.Info("resumed interrupted runs", "count", resumed)
	}

	if err := s.pipe.SubscribePush(runCtx, s.client); err != nil {
		s.logger.Warn("push subscription unavailable, webhook only", "error", err)
	}
	return nil
}

// Stop drains the worker pool.
func (s *PipelineService) Stop(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.pipe.Stop(timeout); err != nil {
		s.logger.Warn("pipeline stop", "error", err)
	}
	return s.BaseService.Stop(timeout)
}

// RegisterHTTPHandlers mounts the webhook receiver and the run API.
func (s *PipelineService) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.Handle("POST /hooks/push", s.receiver)
	mux.HandleFunc("GET /api/pipelines", s.handleList)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGet)
	mux.HandleFunc("POST /api/pipelines/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/pipelines/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/pipelines/{id}/resume", s.handleResume)
}

func (s *PipelineService) handleList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *PipelineService) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, run)
}

func (s *PipelineService) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid approval body", http.StatusBadRequest)
		return
	}
	run, err := s.control.Approve(r.Context(), r.PathValue("id"), req.Approver, req.Reason)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, run)
}

func (s *PipelineService) handleReject(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid approval body", http.StatusBadRequest)
		return
	}
	run, err := s.control.Reject(r.Context(), r.PathValue("id"), req.Approver, req.Reason)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, run)
}

func (s *PipelineService) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := s.control.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, run)
}
