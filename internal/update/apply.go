package update

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

const (
	depsTimeout    = 5 * time.Minute
	restartTimeout = 60 * time.Second
)

// depsScript is the repository's dependency hook, run during the
// UPDATING_DEPS phase when present. The checked-out version ships its own
// script, so the step always matches the code it is installing for.
const depsScript = "scripts/update-deps.sh"

// apply runs the full upgrade state machine for one request. Failures in
// any step roll back; the outcome always lands in update:result.
func (d *Daemon) apply(ctx context.Context, version string) {
	outcome := "failure"
	if d.metrics != nil {
		defer func() { d.metrics.AppliesTotal.WithLabelValues(outcome).Inc() }()
	}

	statePath := d.settings.UpdateStatePath()
	if existing, err := ReadState(statePath); err != nil {
		d.logger.Error("unreadable update state, refusing to apply", "error", err)
		d.writeResult(ctx, Result{Success: false, Error: "unreadable update state"})
		return
	} else if existing != nil {
		// A leftover state file means a prior update needs attention first.
		d.logger.Error("update state file present, refusing to apply",
			"phase", string(existing.Phase))
		d.writeResult(ctx, Result{Success: false, Error: "previous update unresolved; manual intervention required"})
		return
	}

	lock := NewLock(d.settings.UpdateLockPath())
	if err := lock.Acquire(); err != nil {
		d.logger.Error("could not acquire update lock", "error", err)
		d.writeResult(ctx, Result{Success: false, Error: err.Error()})
		return
	}
	defer func() { _ = lock.Release() }()

	st := &State{
		Phase:         PhaseChecking,
		TargetVersion: version,
		StartedAt:     time.Now().UTC(),
	}
	if err := WriteState(statePath, st); err != nil {
		d.logger.Error("could not write update state", "error", err)
		d.writeResult(ctx, Result{Success: false, Error: err.Error()})
		return
	}

	if err := d.git.Fetch(ctx); err != nil {
		d.abortBeforeMutation(ctx, st, err)
		return
	}
	ref := version
	if ref == "" {
		ref = d.settings.Updates.GitRemote + "/" + d.settings.Updates.GitBranch
	}
	targetCommit, err := d.git.ResolveCommit(ctx, ref)
	if err != nil {
		d.abortBeforeMutation(ctx, st, err)
		return
	}
	currentCommit, err := d.git.CurrentCommit(ctx)
	if err != nil {
		d.abortBeforeMutation(ctx, st, err)
		return
	}
	targetVersion, err := d.git.Describe(ctx, targetCommit)
	if err != nil {
		targetVersion = targetCommit
	}
	st.TargetVersion = targetVersion

	if currentCommit == targetCommit {
		d.logger.Info("already up to date", "version", targetVersion)
		d.writeResult(ctx, Result{Success: true, Version: targetVersion})
		_ = ClearState(statePath)
		outcome = "success"
		return
	}

	d.logger.Info("applying update",
		"from", currentCommit, "to", targetCommit, "version", targetVersion)

	if err := d.setPhase(st, PhaseReadyToApply, ""); err != nil {
		d.abortBeforeMutation(ctx, st, err)
		return
	}
	if err := d.setPhase(st, PhaseSnapshotting, "capturing rollback point"); err != nil {
		d.abortBeforeMutation(ctx, st, err)
		return
	}
	snap, err := takeSnapshot(d.settings.RollbackDir(), targetVersion, currentCommit,
		d.settings.DatabasePath(), conf.ConfigFilePath())
	if err != nil {
		d.abortBeforeMutation(ctx, st, err)
		return
	}
	st.RollbackPoint = snap.Dir

	// From the code swap through the service restart, termination signals
	// queue instead of killing a half-applied update.
	critical := true
	d.proc.EnterCritical()
	defer func() {
		if critical {
			d.proc.ExitCritical()
		}
	}()

	steps := []struct {
		phase Phase
		step  string
		fn    func() error
	}{
		{PhaseUpdatingCode, "checking out " + targetCommit, func() error {
			return d.git.Checkout(ctx, targetCommit)
		}},
		{PhaseUpdatingDeps, "updating dependencies", func() error {
			return d.updateDeps(ctx)
		}},
		{PhaseRunningMigrations, "migrating schema", func() error {
			return d.store.Migrate()
		}},
		{PhaseRestartingServices, "restarting services", func() error {
			return d.restartServices(ctx)
		}},
	}
	for _, s := range steps {
		if err := d.setPhase(st, s.phase, s.step); err != nil {
			d.failAndRollback(ctx, st, err)
			return
		}
		if err := s.fn(); err != nil {
			d.failAndRollback(ctx, st, err)
			return
		}
	}

	critical = false
	d.proc.ExitCritical()

	if err := d.setPhase(st, PhaseVerifying, ""); err != nil {
		d.failAndRollback(ctx, st, err)
		return
	}
	head, err := d.git.CurrentCommit(ctx)
	if err != nil {
		d.failAndRollback(ctx, st, err)
		return
	}
	if head != targetCommit {
		d.failAndRollback(ctx, st, errors.Newf("verification failed: HEAD is %s, expected %s", head, targetCommit).
			Component("update").
			Category(errors.CategoryUpdate).
			Build())
		return
	}

	d.writeResult(ctx, Result{Success: true, Version: targetVersion})
	if err := ClearState(statePath); err != nil {
		d.logger.Error("could not clear update state", "error", err)
	}
	if err := pruneSnapshots(d.settings.RollbackDir(), keepSnapshots); err != nil {
		d.logger.Warn("snapshot pruning failed", "error", err)
	}
	d.logger.Info("update applied", "version", targetVersion)
	outcome = "success"
}

func (d *Daemon) setPhase(st *State, phase Phase, step string) error {
	st.Phase = phase
	st.CurrentStep = step
	return WriteState(d.settings.UpdateStatePath(), st)
}

// abortBeforeMutation ends an apply that failed before anything was
// changed: no rollback needed, just report and clear.
func (d *Daemon) abortBeforeMutation(ctx context.Context, st *State, err error) {
	d.logger.Error("update aborted", "phase", string(st.Phase), "error", err)
	d.writeResult(ctx, Result{Success: false, Version: st.TargetVersion, Error: err.Error()})
	_ = ClearState(d.settings.UpdateStatePath())
}

// failAndRollback handles a failure after mutation started.
func (d *Daemon) failAndRollback(ctx context.Context, st *State, err error) {
	d.logger.Error("update step failed, rolling back",
		"phase", string(st.Phase), "error", err)
	if rbErr := d.rollback(ctx, st); rbErr != nil {
		// State stays at rolling_back; startup recovery retries it.
		d.logger.Error("rollback failed", "error", rbErr)
	}
	d.writeResult(ctx, Result{Success: false, Version: st.TargetVersion, Error: err.Error()})
}

// rollback restores the snapshot, checks out the recorded commit, restarts
// services, and clears the state file. Safe to run repeatedly: every step
// converges on the snapshot contents.
func (d *Daemon) rollback(ctx context.Context, st *State) error {
	if d.metrics != nil {
		d.metrics.RollbacksDone.Inc()
	}
	statePath := d.settings.UpdateStatePath()
	st.Phase = PhaseRollingBack
	st.CurrentStep = ""
	if err := WriteState(statePath, st); err != nil {
		return err
	}

	dir := st.RollbackPoint
	if dir == "" {
		latest, ok, err := latestSnapshot(d.settings.RollbackDir())
		if err != nil {
			return err
		}
		if !ok {
			// Nothing was ever snapshotted, so nothing was mutated.
			d.logger.Warn("no rollback point recorded and no snapshots on disk")
			return ClearState(statePath)
		}
		dir = latest
	}

	commit, err := restoreSnapshot(dir, d.settings.DatabasePath(), conf.ConfigFilePath())
	if err != nil {
		return err
	}
	if err := d.git.Checkout(ctx, commit); err != nil {
		return err
	}
	if err := d.restartServices(ctx); err != nil {
		return err
	}
	d.logger.Info("rollback complete", "commit", commit, "snapshot", dir)
	return ClearState(statePath)
}

// updateDeps runs the repository's dependency hook when the checked-out
// tree ships one.
func (d *Daemon) updateDeps(ctx context.Context) error {
	script := filepath.Join(d.repoDir(), depsScript)
	if _, err := os.Stat(script); err != nil {
		d.logger.Info("no dependency hook in repository, skipping", "script", depsScript)
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, depsTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, script)
	cmd.Dir = d.repoDir()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryUpdate).
			Context("operation", "update-deps").
			Context("output", strings.TrimSpace(string(out))).
			Build()
	}
	return nil
}

// restartServices executes the configured restart command. An empty command
// is the container deployment: the update daemon exits nothing, the
// supervisor respawns the other processes on their next health check.
func (d *Daemon) restartServices(ctx context.Context) error {
	cmdline := strings.TrimSpace(d.settings.Updates.RestartCommand)
	if cmdline == "" {
		d.logger.Info("no restart command configured, relying on service supervisor")
		return nil
	}

	fields := strings.Fields(cmdline)
	binPath, err := exec.LookPath(fields[0])
	if err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryConfiguration).
			Context("setting", "updates.restart_command").
			Build()
	}

	runCtx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, binPath, fields[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryUpdate).
			Context("operation", "restart-services").
			Context("output", strings.TrimSpace(string(out))).
			Build()
	}
	return nil
}

func (d *Daemon) repoDir() string {
	if d.settings.Updates.RepoDir != "" {
		return d.settings.Updates.RepoDir
	}
	return "."
}
