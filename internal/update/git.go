package update

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

const gitTimeout = 60 * time.Second

// Remote and branch names come from the configuration file; they are
// validated before ever reaching an exec call.
var (
	remoteNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	branchNameRe = regexp.MustCompile(`^[A-Za-z0-9/_-]+$`)
)

// gitRunner is the slice of git behaviour the daemon consumes. Tests
// substitute a fake; Git is the real thing.
type gitRunner interface {
	CurrentCommit(ctx context.Context) (string, error)
	Fetch(ctx context.Context) error
	RemoteHead(ctx context.Context) (string, error)
	ResolveCommit(ctx context.Context, ref string) (string, error)
	Describe(ctx context.Context, ref string) (string, error)
	Checkout(ctx context.Context, ref string) error
}

// Git runs the repository operations of the update flow. Every invocation
// uses the absolute git binary path, the configured repository directory,
// and a per-call timeout.
type Git struct {
	binPath string
	repoDir string
	remote  string
	branch  string
}

// NewGit validates the configured remote and branch names and resolves the
// git binary. A missing binary or an invalid name is a configuration error.
func NewGit(settings *conf.UpdateSettings) (*Git, error) {
	if !remoteNameRe.MatchString(settings.GitRemote) {
		return nil, errors.Newf("invalid git remote name %q", settings.GitRemote).
			Component("update").
			Category(errors.CategoryConfiguration).
			Context("setting", "updates.git_remote").
			Build()
	}
	if !branchNameRe.MatchString(settings.GitBranch) {
		return nil, errors.Newf("invalid git branch name %q", settings.GitBranch).
			Component("update").
			Category(errors.CategoryConfiguration).
			Context("setting", "updates.git_branch").
			Build()
	}

	binPath, err := exec.LookPath("git")
	if err != nil {
		return nil, errors.New(err).
			Component("update").
			Category(errors.CategoryConfiguration).
			Context("operation", "locate-git").
			Build()
	}

	repoDir := settings.RepoDir
	if repoDir == "" {
		repoDir = "."
	}
	return &Git{
		binPath: binPath,
		repoDir: repoDir,
		remote:  settings.GitRemote,
		branch:  settings.GitBranch,
	}, nil
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.binPath, args...)
	cmd.Dir = g.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.New(err).
			Component("update").
			Category(errors.CategoryUpdate).
			Context("operation", "git "+args[0]).
			Context("output", strings.TrimSpace(string(out))).
			Build()
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentCommit returns the commit the working tree sits on.
func (g *Git) CurrentCommit(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// Fetch updates the remote-tracking ref for the configured branch.
func (g *Git) Fetch(ctx context.Context) error {
	_, err := g.run(ctx, "fetch", g.remote, g.branch)
	return err
}

// RemoteHead returns the commit at the tip of the tracked remote branch.
// Fetch first; this only inspects the local remote-tracking ref.
func (g *Git) RemoteHead(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", g.remote+"/"+g.branch)
}

// ResolveCommit maps a ref (tag, branch, abbreviated hash) to its commit.
func (g *Git) ResolveCommit(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "rev-parse", ref+"^{commit}")
}

// Describe maps a commit to a human-readable version.
func (g *Git) Describe(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "describe", "--tags", "--always", ref)
}

// Checkout moves the working tree to ref, discarding local modifications.
// The appliance tree is never hand-edited; anything local is update debris.
func (g *Git) Checkout(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "checkout", "--force", ref)
	return err
}
