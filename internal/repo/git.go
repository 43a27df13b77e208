package repo

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/common/shellutil"
	"github.com/jcttech/claude-session-manager/internal/common/stringutil"
)

// Worktree is a git worktree created for one session.
type Worktree struct {
	RepoPath string
	Path     string
	Name     string
}

// Git runs clone and worktree operations through a shell runner, so the same
// code serves the local host and the remote devcontainer host.
type Git struct {
	runner        shellutil.Runner
	basePath      string
	worktreesPath string
	logger        *logger.Logger
	// repoMus serializes clone and fetch of the same path.
	repoMus sync.Map
}

func NewGit(runner shellutil.Runner, cfg config.ReposConfig, log *logger.Logger) *Git {
	return &Git{
		runner:        runner,
		basePath:      strings.TrimRight(cfg.BasePath, "/"),
		worktreesPath: strings.TrimRight(cfg.WorktreesPath, "/"),
		logger:        log.WithFields(zap.String("component", "git")),
	}
}

// RepoPath returns <basePath>/github.com/<org>/<repo>.
func (g *Git) RepoPath(ref Ref) string {
	return path.Join(g.basePath, "github.com", ref.Org, ref.Repo)
}

// CloneURL references $GH_TOKEN, which the executing shell expands.
func CloneURL(ref Ref) string {
	return fmt.Sprintf("https://$GH_TOKEN@github.com/%s/%s.git", ref.Org, ref.Repo)
}

func (g *Git) repoMu(p string) *sync.Mutex {
	mu, _ := g.repoMus.LoadOrStore(p, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// EnsureRepo clones ref if it is missing, or fetches if it already exists.
// It returns the clone path.
func (g *Git) EnsureRepo(ctx context.Context, ref Ref) (string, error) {
	p := g.RepoPath(ref)
	mu := g.repoMu(p)
	mu.Lock()
	defer mu.Unlock()

	if _, err := g.runner.Run(ctx, "test -d "+shellutil.Quote(p+"/.git")); err == nil {
		g.fetch(ctx, p)
		return p, nil
	}

	g.logger.Info("Cloning repository", zap.String("repo", ref.FullName()), zap.String("target", p))
	cmd := fmt.Sprintf("mkdir -p %s && git clone \"%s\" %s",
		shellutil.Quote(path.Dir(p)), CloneURL(ref), shellutil.Quote(p))
	if _, err := g.runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("clone %s: %w", ref.FullName(), err)
	}
	return p, nil
}

func (g *Git) fetch(ctx context.Context, p string) {
	if _, err := g.runner.Run(ctx, "git -C "+shellutil.Quote(p)+" fetch --all --prune"); err != nil {
		g.logger.Warn("Git fetch failed (non-fatal)", zap.String("path", p), zap.Error(err))
	}
}

// CreateWorktree adds a worktree named <repo>-<session id prefix> and checks
// out branch when given.
func (g *Git) CreateWorktree(ctx context.Context, ref Ref, sessionID string) (Worktree, error) {
	repoPath := g.RepoPath(ref)
	name := ref.Repo + "-" + stringutil.ShortID(sessionID)
	wt := Worktree{RepoPath: repoPath, Path: path.Join(g.worktreesPath, name), Name: name}

	cmd := fmt.Sprintf("mkdir -p %s && git -C %s worktree add %s",
		shellutil.Quote(g.worktreesPath), shellutil.Quote(repoPath), shellutil.Quote(wt.Path))
	if ref.Branch != "" {
		cmd += " " + shellutil.Quote(ref.Branch)
	}
	if _, err := g.runner.Run(ctx, cmd); err != nil {
		return Worktree{}, fmt.Errorf("create worktree %s: %w", name, err)
	}
	g.logger.Info("Worktree created", zap.String("repo", ref.FullName()), zap.String("path", wt.Path))
	return wt, nil
}

// RemoveWorktree force-removes a worktree.
func (g *Git) RemoveWorktree(ctx context.Context, wt Worktree) error {
	cmd := fmt.Sprintf("git -C %s worktree remove %s --force", shellutil.Quote(wt.RepoPath), shellutil.Quote(wt.Path))
	if _, err := g.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("remove worktree %s: %w", wt.Name, err)
	}
	return nil
}
