// Package workload tracks the running execution environments shared by sessions.
//
// A workload is keyed by (resource, branch). The Registry owns the only copy of
// each Entry; callers receive Handles and value snapshots.
package workload

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrWorkloadStartFailed = errors.New("workload start failed")
	ErrWorkloadInUse       = errors.New("workload has attached sessions")
	ErrWorkloadUnavailable = errors.New("workload is not accepting sessions")
	ErrWorkloadFull        = errors.New("workload has reached max sessions")
	ErrWorkloadNotFound    = errors.New("workload not found")
)

// State of a workload.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ParseState maps a persisted state string; unknown values read as stopped.
func ParseState(s string) State {
	switch State(s) {
	case StateRunning, StateStopping:
		return State(s)
	default:
		return StateStopped
	}
}

// Key identifies a workload. Branch is empty for the default branch.
type Key struct {
	Resource string
	Branch   string
}

func (k Key) String() string {
	if k.Branch == "" {
		return k.Resource
	}
	return fmt.Sprintf("%s@%s", k.Resource, k.Branch)
}

// Entry is the registry's record of one workload.
type Entry struct {
	Key            Key
	ID             string
	Name           string
	Addr           string
	State          State
	SessionCount   int
	LastActivityAt time.Time
	ConfigHash     string
}

// Handle is returned to a session attaching to a workload.
type Handle struct {
	Key           Key
	ID            string
	Name          string
	Addr          string
	Reused        bool
	ConfigChanged bool
	// SessionCount includes the caller.
	SessionCount int
}

// LaunchConfig describes how to bring a workload up.
type LaunchConfig struct {
	ProjectPath string
	Image       string
	Network     string
	Env         map[string]string
}

// Instance is what a Lifecycle reports after a successful BringUp.
type Instance struct {
	ID         string
	Name       string
	Addr       string
	ConfigHash string
}

// Lifecycle brings workloads up and down.
type Lifecycle interface {
	BringUp(ctx context.Context, key Key, cfg LaunchConfig) (Instance, error)
	BringDown(ctx context.Context, inst Instance) error
}

// Fingerprinter is implemented by lifecycles that can detect launch config changes
// on an already running workload.
type Fingerprinter interface {
	ConfigHash(ctx context.Context, cfg LaunchConfig) (string, error)
}

// Adopter is implemented by lifecycles that track resources (ports) for restored workloads.
type Adopter interface {
	Adopt(inst Instance)
}

// HealthChecker blocks until the workload at addr serves requests.
type HealthChecker interface {
	WaitHealthy(ctx context.Context, addr string) error
}

// Store mirrors registry mutations durably.
type Store interface {
	UpsertWorkload(ctx context.Context, e Entry) error
	UpdateWorkloadSessions(ctx context.Context, key Key, count int, lastActivity time.Time) error
	UpdateWorkloadState(ctx context.Context, key Key, state State) error
	ListRunningWorkloads(ctx context.Context) ([]Entry, error)
}
