// Package devcontainer brings workloads up with the devcontainer CLI on a remote
// host reached over SSH.
package devcontainer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/common/shellutil"
	"github.com/jcttech/claude-session-manager/internal/workload"
)

const workerPort = 50051

// Lifecycle runs `devcontainer up` in the project checkout on the remote host.
type Lifecycle struct {
	runner     shellutil.Runner
	host       string
	dockerPath string
	logger     *logger.Logger
}

var (
	_ workload.Lifecycle     = (*Lifecycle)(nil)
	_ workload.Fingerprinter = (*Lifecycle)(nil)
)

// NewLifecycle creates a devcontainer lifecycle. host is the address sessions
// dial to reach published worker ports.
func NewLifecycle(runner shellutil.Runner, host string, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		runner:     runner,
		host:       host,
		dockerPath: "docker",
		logger:     log.WithFields(zap.String("component", "devcontainer")),
	}
}

type upResult struct {
	Outcome     string `json:"outcome"`
	ContainerID string `json:"containerId"`
	Message     string `json:"message"`
}

// BringUp ensures a devcontainer config exists, starts the container and
// resolves the host port published for the worker.
func (l *Lifecycle) BringUp(ctx context.Context, key workload.Key, cfg workload.LaunchConfig) (workload.Instance, error) {
	path := cfg.ProjectPath
	if path == "" {
		return workload.Instance{}, fmt.Errorf("devcontainer requires a project path for %s", key)
	}

	if !l.hasConfig(ctx, path) {
		if err := l.writeDefaultConfig(ctx, path, cfg); err != nil {
			return workload.Instance{}, err
		}
		l.logger.Info("Generated default devcontainer.json", zap.String("project_path", path))
	}
	hash, _ := l.ConfigHash(ctx, cfg)

	out, err := l.runner.Run(ctx, fmt.Sprintf("devcontainer up --docker-path %s --workspace-folder %s",
		shellutil.Quote(l.dockerPath), shellutil.Quote(path)))
	if err != nil {
		return workload.Instance{}, fmt.Errorf("devcontainer up: %w", err)
	}
	res, err := parseUpOutput(out)
	if err != nil {
		return workload.Instance{}, err
	}

	portOut, err := l.runner.Run(ctx, fmt.Sprintf("%s port %s %d/tcp", shellutil.Quote(l.dockerPath), shellutil.Quote(res.ContainerID), workerPort))
	if err != nil {
		l.removeContainer(context.WithoutCancel(ctx), res.ContainerID)
		return workload.Instance{}, fmt.Errorf("resolve worker port: %w", err)
	}
	port, err := parsePortOutput(portOut)
	if err != nil {
		l.removeContainer(context.WithoutCancel(ctx), res.ContainerID)
		return workload.Instance{}, err
	}

	return workload.Instance{
		ID:         res.ContainerID,
		Name:       shortID(res.ContainerID),
		Addr:       net.JoinHostPort(l.host, port),
		ConfigHash: hash,
	}, nil
}

// BringDown force-removes the container.
func (l *Lifecycle) BringDown(ctx context.Context, inst workload.Instance) error {
	if _, err := l.runner.Run(ctx, fmt.Sprintf("%s rm -f %s", shellutil.Quote(l.dockerPath), shellutil.Quote(inst.ID))); err != nil {
		return fmt.Errorf("remove container %s: %w", inst.Name, err)
	}
	return nil
}

// ConfigHash reads the project's devcontainer.json and fingerprints it.
func (l *Lifecycle) ConfigHash(ctx context.Context, cfg workload.LaunchConfig) (string, error) {
	if cfg.ProjectPath == "" {
		return "", nil
	}
	p := shellutil.Quote(cfg.ProjectPath)
	out, err := l.runner.Run(ctx, fmt.Sprintf(
		"cat %s/.devcontainer/devcontainer.json 2>/dev/null || cat %s/.devcontainer.json 2>/dev/null", p, p))
	if err != nil {
		return "", err
	}
	return workload.HashConfig([]byte(out)), nil
}

func (l *Lifecycle) hasConfig(ctx context.Context, path string) bool {
	p := shellutil.Quote(path)
	_, err := l.runner.Run(ctx, fmt.Sprintf("test -f %s/.devcontainer/devcontainer.json || test -f %s/.devcontainer.json", p, p))
	return err == nil
}

func (l *Lifecycle) writeDefaultConfig(ctx context.Context, path string, cfg workload.LaunchConfig) error {
	p := shellutil.Quote(path)
	cmd := fmt.Sprintf("mkdir -p %s/.devcontainer && cat > %s/.devcontainer/devcontainer.json << 'DCEOF'\n%s\nDCEOF", p, p, DefaultConfig(cfg.Image, cfg.Network))
	if _, err := l.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("write default devcontainer.json: %w", err)
	}
	return nil
}

func (l *Lifecycle) removeContainer(ctx context.Context, id string) {
	if err := l.BringDown(ctx, workload.Instance{ID: id, Name: shortID(id)}); err != nil {
		l.logger.Warn("Failed to remove container", zap.String("container_id", id), zap.Error(err))
	}
}

// DefaultConfig renders the devcontainer.json used for projects without one.
// The worker port is published on a random host port.
func DefaultConfig(image, network string) string {
	doc := map[string]any{
		"image": image,
		"mounts": []string{
			"source=claude-config-shared,target=/home/vscode/.claude,type=volume",
		},
		"containerEnv": map[string]string{
			"ANTHROPIC_API_KEY": "${localEnv:ANTHROPIC_API_KEY}",
		},
		"forwardPorts":     []int{workerPort},
		"postStartCommand": fmt.Sprintf("python -m agent_worker --port %d &", workerPort),
		"runArgs":          []string{"--network=" + network, "-p", fmt.Sprint(workerPort)},
	}
	b, _ := json.MarshalIndent(doc, "", "    ")
	return string(b)
}

func parseUpOutput(out string) (upResult, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var res upResult
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &res); err != nil {
		return res, fmt.Errorf("parse devcontainer output: %w", err)
	}
	if res.Outcome != "" && res.Outcome != "success" {
		return res, fmt.Errorf("devcontainer up failed: %s", res.Message)
	}
	if res.ContainerID == "" {
		return res, fmt.Errorf("no containerId in devcontainer output")
	}
	return res, nil
}

// parsePortOutput reads the first "host:port" line from `docker port`.
func parsePortOutput(out string) (string, error) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		_, port, err := net.SplitHostPort(line)
		if err == nil && port != "" {
			return port, nil
		}
	}
	return "", fmt.Errorf("worker port %d is not published", workerPort)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
