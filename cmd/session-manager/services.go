package main

import (
	"github.com/jcttech/claude-session-manager/internal/approval"
	"github.com/jcttech/claude-session-manager/internal/chat"
	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/events"
	"github.com/jcttech/claude-session-manager/internal/firewall"
	"github.com/jcttech/claude-session-manager/internal/metrics"
	"github.com/jcttech/claude-session-manager/internal/monitor"
	"github.com/jcttech/claude-session-manager/internal/persistence/store"
	"github.com/jcttech/claude-session-manager/internal/repo"
	"github.com/jcttech/claude-session-manager/internal/session"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

// Services holds the wired domain components.
type Services struct {
	Sessions  *session.Manager
	Approvals *approval.Workflow
	Cleanup   *approval.CleanupJob
	Liveness  *monitor.Liveness
	Idle      *monitor.Idle
	Metrics   *metrics.Metrics
}

type serviceDeps struct {
	cfg      *config.Config
	chat     chat.Chat
	store    *store.Store
	registry *workload.Registry
	runtime  *workloadRuntime
	emitter  *events.Emitter
	log      *logger.Logger
}

func provideServices(d serviceDeps) (*Services, error) {
	m := metrics.New()
	tracker := monitor.NewTracker()
	fw := firewall.NewClient(d.cfg.Firewall, d.log)

	// The workflow injects verdicts into sessions and the manager reports
	// markers to the workflow; each is wired to the other after construction.
	workflow := approval.NewWorkflow(approval.Deps{
		Store:    d.store,
		Poster:   d.chat,
		Firewall: fw,
		Metrics:  m,
		Emitter:  d.emitter,
	}, d.cfg.Approval, d.cfg.Server.CallbackURL, d.log)

	manager := session.NewManager(session.Deps{
		Chat:      d.chat,
		Workloads: d.registry,
		Dial:      session.BridgeDialer(d.log),
		Locker:    repo.NewLocker(),
		Git:       repo.NewGit(d.runtime.runner, d.cfg.Repos, d.log),
		Tracker:   tracker,
		Store:     d.store,
		Metrics:   m,
		Emitter:   d.emitter,
	}, session.Options{
		Trigger:    d.cfg.Chat.BotTrigger,
		DefaultOrg: d.cfg.Chat.DefaultOrg,
		Launch: workload.LaunchConfig{
			Image:   d.cfg.Workload.Image,
			Network: d.cfg.Workload.Network,
		},
		CompactThreshold: d.cfg.Session.OrchestratorCompactThreshold,
	}, d.log)

	workflow.SetInjector(manager)
	manager.SetApprovals(workflow)

	cleanup, err := approval.NewCleanupJob(workflow, d.cfg.Approval.CleanupSchedule, d.log)
	if err != nil {
		return nil, err
	}

	return &Services{
		Sessions:  manager,
		Approvals: workflow,
		Cleanup:   cleanup,
		Liveness:  monitor.NewLiveness(tracker, d.chat, d.cfg.Session.LivenessTimeout(), d.log),
		Idle:      monitor.NewIdle(d.registry, d.cfg.Workload.IdleTimeout(), d.log),
		Metrics:   m,
	}, nil
}
