// Package docker runs workloads as local containers through the Docker API.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// ContainerSpec holds what is needed to create a worker container.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	WorkingDir  string
	Mounts      []MountSpec
	NetworkMode string
	Labels      map[string]string
	// WorkerPort is the container port published on HostPort at 127.0.0.1.
	WorkerPort int
	HostPort   int
}

// MountSpec is a bind mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo is a listed container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// Client wraps the Docker SDK client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a Docker client with API version negotiation.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	log.Info("Docker client created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))
	return &Client{cli: cli, logger: log}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	c.logger.Info("Creating container", zap.String("name", spec.Name), zap.String("image", spec.Image))

	cfg, hostCfg := buildConfig(spec)
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

func buildConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}

	if spec.WorkerPort > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.WorkerPort))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprint(spec.HostPort)}},
		}
	}
	return cfg, hostCfg
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	c.logger.Info("Container started", zap.String("container_id", id))
	return nil
}

func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	c.logger.Info("Container removed", zap.String("container_id", id))
	return nil
}

// ListContainers lists all containers carrying every given label.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	list, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, ctr := range list {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		out = append(out, ContainerInfo{ID: ctr.ID, Name: name, Image: ctr.Image, State: ctr.State, Labels: ctr.Labels})
	}
	return out, nil
}
