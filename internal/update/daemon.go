package update

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/avibox/avibox/internal/buildinfo"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/daemon"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
)

var log *slog.Logger

func getLogger() *slog.Logger {
	if log == nil {
		log = logging.ForService("update")
		if log == nil {
			log = slog.Default().With("service", "update")
		}
	}
	return log
}

// Mode selects what the daemon is allowed to do.
type Mode string

const (
	// ModeMonitor checks for updates but never applies one.
	ModeMonitor Mode = "monitor"
	// ModeBoth checks and applies.
	ModeBoth Mode = "both"
	// ModeMigrate runs any pending schema migration and exits.
	ModeMigrate Mode = "migrate"
)

// ParseMode validates a mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMonitor, ModeBoth, ModeMigrate:
		return Mode(s), nil
	default:
		return "", errors.Newf("invalid update mode %q (monitor, both, migrate)", s).
			Component("update").
			Category(errors.CategoryValidation).
			Build()
	}
}

// Store is the slice of the datastore the update daemon uses: the KV
// coordination channel plus schema migration.
type Store interface {
	KVSet(ctx context.Context, key, value string) error
	KVConsume(ctx context.Context, key string) (string, bool, error)
	Migrate() error
}

const (
	defaultPollInterval = 2 * time.Second
	checkCycleTimeout   = 5 * time.Minute
)

// Daemon is the update process: a monitor loop polling the KV channel and
// the check interval, plus the (rare, serial) apply path.
type Daemon struct {
	settings *conf.Settings
	store    Store
	proc     *daemon.State
	git      gitRunner
	metrics  *observability.UpdateMetrics
	logger   *slog.Logger
	mode     Mode

	pollInterval  time.Duration
	checkInterval time.Duration
}

// Option adjusts daemon behaviour.
type Option func(*Daemon)

// WithPollInterval shortens the KV poll, for tests.
func WithPollInterval(d time.Duration) Option {
	return func(u *Daemon) { u.pollInterval = d }
}

// NewDaemon builds the daemon. Metrics may be nil in tests. The git
// configuration is validated here so a bad remote or branch name refuses to
// start instead of failing mid-apply.
func NewDaemon(settings *conf.Settings, store Store, proc *daemon.State, metrics *observability.Metrics, mode Mode, opts ...Option) (*Daemon, error) {
	git, err := NewGit(&settings.Updates)
	if err != nil {
		return nil, err
	}

	interval := time.Duration(settings.Updates.CheckIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	d := &Daemon{
		settings:      settings,
		store:         store,
		proc:          proc,
		git:           git,
		logger:        getLogger(),
		mode:          mode,
		pollInterval:  defaultPollInterval,
		checkInterval: interval,
	}
	if metrics != nil {
		d.metrics = metrics.Update
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run drives the daemon until the process drains. Interrupted-update
// recovery happens before anything else is served.
func (d *Daemon) Run(ctx context.Context) error {
	if d.mode == ModeMigrate {
		d.logger.Info("running one-shot schema migration")
		return d.store.Migrate()
	}

	if err := d.recover(ctx); err != nil {
		return err
	}

	sse := NewSSEServer(d.settings)
	sseDone := make(chan struct{})
	go func() {
		defer close(sseDone)
		if err := sse.Start(ctx); err != nil {
			d.logger.Error("sse server failed", "error", err)
		}
	}()

	if d.settings.Updates.AutoCheckOnStartup && d.settings.Updates.CheckEnabled {
		d.check(ctx)
	}

	poll := time.NewTicker(d.pollInterval)
	defer poll.Stop()
	checkTicker := time.NewTicker(d.checkInterval)
	defer checkTicker.Stop()

	d.logger.Info("update daemon running",
		"mode", string(d.mode),
		"check_interval", d.checkInterval.String(),
		"repo", d.settings.Updates.RepoDir)

	for {
		select {
		case <-poll.C:
			d.consumeRequest(ctx)
		case <-checkTicker.C:
			if d.settings.Updates.CheckEnabled {
				d.check(ctx)
			}
		case <-ctx.Done():
			<-sseDone
			return nil
		case <-d.proc.Done():
			<-sseDone
			return nil
		}
	}
}

// consumeRequest handles at most one queued request document. The KV
// consume is get-and-delete, so a request is acted on exactly once even if
// several daemons were misconfigured onto one store.
func (d *Daemon) consumeRequest(ctx context.Context) {
	raw, found, err := d.store.KVConsume(ctx, KeyRequest)
	if err != nil {
		d.logger.Error("kv channel read failed", "error", err)
		return
	}
	if !found {
		return
	}

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		d.logger.Error("discarding malformed update request", "error", err, "raw", raw)
		return
	}

	switch req.Action {
	case ActionCheck:
		d.check(ctx)
	case ActionApply:
		if d.mode == ModeMonitor {
			d.logger.Warn("apply refused in monitor mode")
			d.writeResult(ctx, Result{Success: false, Error: "update daemon is in monitor mode"})
			return
		}
		d.apply(ctx, req.Version)
	default:
		d.logger.Error("discarding update request with unknown action", "action", req.Action)
	}
}

// check performs one version check and publishes the outcome on the KV
// channel.
func (d *Daemon) check(ctx context.Context) {
	if d.metrics != nil {
		d.metrics.ChecksTotal.Inc()
	}
	checkCtx, cancel := context.WithTimeout(ctx, checkCycleTimeout)
	defer cancel()

	status, err := d.checkOnce(checkCtx)
	if err != nil {
		// A failed check is transient: log, skip the cycle, keep the last
		// published status.
		d.logger.Error("update check failed", "error", err)
		return
	}

	d.logger.Info("update check complete",
		"current", status.CurrentVersion,
		"latest", status.LatestVersion,
		"available", status.Available)

	payload, err := json.Marshal(status)
	if err != nil {
		d.logger.Error("failed to encode update status", "error", err)
		return
	}
	if err := d.store.KVSet(ctx, KeyStatus, string(payload)); err != nil {
		d.logger.Error("failed to publish update status", "error", err)
	}
}

func (d *Daemon) checkOnce(ctx context.Context) (*Status, error) {
	if err := d.git.Fetch(ctx); err != nil {
		return nil, err
	}
	head, err := d.git.CurrentCommit(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := d.git.RemoteHead(ctx)
	if err != nil {
		return nil, err
	}

	current, err := d.git.Describe(ctx, head)
	if err != nil {
		current = buildinfo.Version
	}
	latest, err := d.git.Describe(ctx, remote)
	if err != nil {
		latest = remote
	}

	return &Status{
		CurrentVersion: current,
		LatestVersion:  latest,
		Available:      head != remote,
		CheckedAt:      time.Now().UTC(),
	}, nil
}

// recover handles a state file left behind by an interrupted update. It
// runs before the first request is served.
func (d *Daemon) recover(ctx context.Context) error {
	statePath := d.settings.UpdateStatePath()
	st, err := ReadState(statePath)
	if err != nil {
		// An unparseable state file means a half-written update record;
		// guessing at recovery could destroy the one good copy of the data.
		return err
	}
	if st == nil {
		return nil
	}

	switch st.Phase {
	case PhaseUpdatingCode, PhaseUpdatingDeps, PhaseRunningMigrations, PhaseRollingBack:
		d.logger.Warn("interrupted update detected, rolling back",
			"phase", string(st.Phase), "target", st.TargetVersion)
		if err := d.rollback(ctx, st); err != nil {
			return err
		}
		d.writeResult(ctx, Result{Success: false, Version: st.TargetVersion, Error: "interrupted"})
		return nil
	case PhaseRestartingServices:
		// Code and schema already moved forward; blindly restoring the
		// snapshot could lose a completed migration. A human decides.
		d.logger.Error("update interrupted during service restart; manual intervention required",
			"target", st.TargetVersion, "rollback_point", st.RollbackPoint)
		d.writeResult(ctx, Result{
			Success: false,
			Version: st.TargetVersion,
			Error:   "interrupted during service restart; manual intervention required",
		})
		return nil
	default:
		// Interrupted before any mutation (or after verification): nothing
		// to undo.
		d.logger.Info("clearing stale update state", "phase", string(st.Phase))
		return ClearState(statePath)
	}
}

func (d *Daemon) writeResult(ctx context.Context, res Result) {
	payload, err := json.Marshal(res)
	if err != nil {
		d.logger.Error("failed to encode update result", "error", err)
		return
	}
	if err := d.store.KVSet(ctx, KeyResult, string(payload)); err != nil {
		d.logger.Error("failed to publish update result", "error", err)
	}
}
