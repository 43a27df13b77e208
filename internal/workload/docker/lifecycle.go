package docker

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/common/portutil"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

const (
	// ManagedLabel marks containers created by this service.
	ManagedLabel  = "session-manager.managed"
	resourceLabel = "session-manager.resource"
	branchLabel   = "session-manager.branch"

	workerPort   = 50051
	workspaceDir = "/workspace"
	stopTimeout  = 10 * time.Second
)

var nameUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// containerAPI is the subset of Client used by Lifecycle.
type containerAPI interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
}

// Lifecycle brings workloads up as local containers with the worker port
// published on a loopback host port.
type Lifecycle struct {
	api    containerAPI
	ports  *portutil.Allocator
	logger *logger.Logger
}

var (
	_ workload.Lifecycle     = (*Lifecycle)(nil)
	_ workload.Fingerprinter = (*Lifecycle)(nil)
	_ workload.Adopter       = (*Lifecycle)(nil)
)

// NewLifecycle creates a docker-backed lifecycle.
func NewLifecycle(api containerAPI, ports *portutil.Allocator, log *logger.Logger) *Lifecycle {
	return &Lifecycle{api: api, ports: ports, logger: log.WithFields(zap.String("component", "docker-lifecycle"))}
}

// BringUp creates and starts a worker container for key.
func (l *Lifecycle) BringUp(ctx context.Context, key workload.Key, cfg workload.LaunchConfig) (workload.Instance, error) {
	port, err := l.ports.Acquire()
	if err != nil {
		return workload.Instance{}, err
	}

	spec := ContainerSpec{
		Name:        ContainerName(key),
		Image:       cfg.Image,
		Env:         envList(cfg.Env),
		WorkingDir:  workspaceDir,
		NetworkMode: cfg.Network,
		Labels: map[string]string{
			ManagedLabel:  "true",
			resourceLabel: key.Resource,
			branchLabel:   key.Branch,
		},
		WorkerPort: workerPort,
		HostPort:   port,
	}
	if cfg.ProjectPath != "" {
		spec.Mounts = []MountSpec{{Source: cfg.ProjectPath, Target: workspaceDir}}
	}

	id, err := l.api.CreateContainer(ctx, spec)
	if err != nil {
		l.ports.Release(port)
		return workload.Instance{}, err
	}
	if err := l.api.StartContainer(ctx, id); err != nil {
		_ = l.api.RemoveContainer(context.WithoutCancel(ctx), id, true)
		l.ports.Release(port)
		return workload.Instance{}, err
	}

	return workload.Instance{
		ID:         id,
		Name:       spec.Name,
		Addr:       net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		ConfigHash: workload.HashLaunch(cfg),
	}, nil
}

// BringDown stops and removes the container and frees its host port.
func (l *Lifecycle) BringDown(ctx context.Context, inst workload.Instance) error {
	if err := l.api.StopContainer(ctx, inst.ID, stopTimeout); err != nil {
		l.logger.Debug("Stop failed, forcing removal", zap.String("name", inst.Name), zap.Error(err))
	}
	err := l.api.RemoveContainer(ctx, inst.ID, true)
	if port, ok := hostPort(inst.Addr); ok {
		l.ports.Release(port)
	}
	return err
}

// ConfigHash fingerprints the launch configuration.
func (l *Lifecycle) ConfigHash(_ context.Context, cfg workload.LaunchConfig) (string, error) {
	return workload.HashLaunch(cfg), nil
}

// Adopt reserves the host port of a restored workload.
func (l *Lifecycle) Adopt(inst workload.Instance) {
	if port, ok := hostPort(inst.Addr); ok {
		l.ports.Reserve(port)
	}
}

// RemoveAll force-removes every managed container, including ones the registry
// no longer tracks. It returns how many were removed.
func (l *Lifecycle) RemoveAll(ctx context.Context) (int, error) {
	list, err := l.api.ListContainers(ctx, map[string]string{ManagedLabel: "true"})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range list {
		if err := l.api.RemoveContainer(ctx, c.ID, true); err != nil {
			l.logger.Warn("Failed to remove container", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// ContainerName derives a readable, unique container name for key.
func ContainerName(key workload.Key) string {
	base := strings.ToLower(key.Resource)
	if key.Branch != "" {
		base += "-" + strings.ToLower(key.Branch)
	}
	base = strings.Trim(nameUnsafe.ReplaceAllString(base, "-"), "-")
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	return fmt.Sprintf("claude-%s-%s", base, uuid.New().String()[:8])
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func hostPort(addr string) (int, bool) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(p)
	return port, err == nil
}
