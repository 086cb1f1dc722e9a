package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/appliance-updater/internal/config"
	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
	"github.com/oshokin/appliance-updater/internal/service/broadcast"
	"github.com/oshokin/appliance-updater/internal/service/services"
)

// Orchestrator owns the single update run of the appliance.
type Orchestrator struct {
	deps      Dependencies
	update    config.UpdateConfig
	paths     config.PathsConfig
	freeSpace FreeSpaceFunc
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	// baseCtx bounds background runs, usually the daemon lifetime.
	baseCtx     context.Context
	broadcaster *broadcast.Broadcaster
	wg          sync.WaitGroup

	mu                 sync.Mutex
	run                domain.Snapshot
	runID              string
	manualIntervention bool
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithFreeSpace replaces the disk space probe.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(o *Orchestrator) {
		o.freeSpace = fn
	}
}

// WithSleep replaces the wait used for the settle interval.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithClock replaces the clock used for run times and log lines.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithBroadcaster replaces the status broadcaster.
func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(o *Orchestrator) {
		o.broadcaster = b
	}
}

// New creates an idle orchestrator. Runs started later are bound to ctx.
func New(
	ctx context.Context,
	deps Dependencies,
	update config.UpdateConfig,
	paths config.PathsConfig,
	options ...Option,
) *Orchestrator {
	o := &Orchestrator{
		deps:      deps,
		update:    update,
		paths:     paths,
		freeSpace: FreeSpace,
		sleep:     services.Sleep,
		now:       time.Now,
		baseCtx:   logger.WithName(ctx, "orchestrator"),
		run: domain.Snapshot{
			State:   domain.StateIdle,
			Message: "No update in progress",
			Logs:    []string{},
		},
	}

	for _, option := range options {
		option(o)
	}

	if o.broadcaster == nil {
		o.broadcaster = broadcast.New(broadcast.DefaultBufferSize, func(id uuid.UUID) {
			logger.WarnKV(o.baseCtx, "Dropped lagging status subscriber", "subscriber", id)
		})
	}

	return o
}

// Start validates the requested version and begins an update run in the background.
// The run lock is taken before o.mu so status readers never wait on lock file I/O.
func (o *Orchestrator) Start(ctx context.Context, version string) error {
	if !domain.ValidateVersion(version) {
		return fmt.Errorf("%q: %w", version, domain.ErrInvalidVersion)
	}

	if !o.quiescent() {
		return domain.ErrAlreadyRunning
	}

	if err := o.acquireLock(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.run.State.IsQuiescent() {
		o.releaseLock(ctx)
		return domain.ErrAlreadyRunning
	}

	o.begin(domain.StateInitializing, fmt.Sprintf("Initializing update to version %s", version), nil)

	runCtx := logger.WithKV(o.baseCtx, "run_id", o.runID, "target_version", version)
	o.appendLocked(runCtx, fmt.Sprintf("Starting update to version %s", version))

	o.wg.Add(1)

	go o.executeUpdate(runCtx, version)

	return nil
}

// Rollback restores a backup in the background and returns its path.
// An empty path selects the most recent backup. Rollback is refused while a run is active.
func (o *Orchestrator) Rollback(ctx context.Context, backupPath string) (string, error) {
	if !o.quiescent() {
		return "", domain.ErrAlreadyRunning
	}

	if backupPath == "" {
		latest, err := o.deps.Backups.MostRecent(ctx)
		if err != nil {
			return "", err
		}

		backupPath = latest
	} else if !o.deps.Backups.Contains(backupPath) {
		return "", fmt.Errorf("%s: %w", backupPath, domain.ErrNoBackupAvailable)
	}

	if err := o.acquireLock(ctx); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.run.State.IsQuiescent() {
		o.releaseLock(ctx)
		return "", domain.ErrAlreadyRunning
	}

	o.begin(domain.StateRollingBack, "Rolling back to "+backupPath, &backupPath)

	runCtx := logger.WithKV(o.baseCtx, "run_id", o.runID, "backup", backupPath)
	o.appendLocked(runCtx, "Starting rollback to "+backupPath)

	o.wg.Add(1)

	go o.executeRollback(runCtx, backupPath)

	return backupPath, nil
}

// CheckForUpdate compares the installed version with the latest release.
func (o *Orchestrator) CheckForUpdate(ctx context.Context) (*domain.VersionComparison, error) {
	return o.deps.Releases.CompareVersions(ctx)
}

// Status returns a copy of the current run.
func (o *Orchestrator) Status() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.run.Clone()
}

// Subscribe returns a stream seeded with the current snapshot and a cancel function.
func (o *Orchestrator) Subscribe() (<-chan domain.Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.broadcaster.Subscribe(o.run.Clone())
}

// NeedsManualIntervention reports whether the last failure could not be rolled back.
func (o *Orchestrator) NeedsManualIntervention() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.manualIntervention
}

// Wait blocks until background runs finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops every subscriber.
func (o *Orchestrator) Close() {
	o.broadcaster.Close()
}

func (o *Orchestrator) quiescent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.run.State.IsQuiescent()
}

func (o *Orchestrator) acquireLock(ctx context.Context) error {
	if o.deps.Lock == nil {
		return nil
	}

	return o.deps.Lock.Acquire(ctx)
}

func (o *Orchestrator) releaseLock(ctx context.Context) {
	if o.deps.Lock == nil {
		return
	}

	if err := o.deps.Lock.Release(); err != nil {
		logger.WarnKV(ctx, "Failed to release run lock", "error", err)
	}
}

// begin resets the run. The caller holds o.mu.
func (o *Orchestrator) begin(state domain.State, message string, backupPath *string) {
	started := o.now().UTC()

	o.runID = uuid.NewString()
	o.run = domain.Snapshot{
		State:      state,
		Progress:   0,
		Message:    message,
		Logs:       []string{},
		BackupPath: backupPath,
		StartTime:  &started,
	}
}

// transition moves the run to state and records message.
func (o *Orchestrator) transition(ctx context.Context, state domain.State, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.run.State = state

	switch state {
	case domain.StateRollingBack, domain.StateFailed:
		o.run.Progress = 0
	default:
		o.run.Progress = max(o.run.Progress, state.Progress())
	}

	if state == domain.StateSuccess || state == domain.StateFailed {
		ended := o.now().UTC()
		o.run.EndTime = &ended
	}

	o.run.Message = message
	o.appendLocked(ctx, message)

	logger.InfoKV(ctx, "Update state changed", "state", state, "progress", o.run.Progress)
}

// log appends a line to the run log.
func (o *Orchestrator) log(ctx context.Context, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.appendLocked(ctx, message)
}

// appendLocked appends a timestamped line and notifies subscribers. The caller holds o.mu.
func (o *Orchestrator) appendLocked(ctx context.Context, message string) {
	o.run.Logs = append(o.run.Logs, fmt.Sprintf("[%s] %s", o.now().UTC().Format(time.RFC3339Nano), message))
	o.broadcaster.Publish(o.run)

	logger.DebugKV(ctx, message)
}

func (o *Orchestrator) setBackupPath(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.run.BackupPath = &path
	o.broadcaster.Publish(o.run)
}

func (o *Orchestrator) recordHistory(ctx context.Context, kind domain.RunKind, version string) {
	if o.deps.History == nil {
		return
	}

	o.mu.Lock()
	snapshot := o.run.Clone()
	id := o.runID
	o.mu.Unlock()

	entry := &domain.HistoryEntry{
		ID:            id,
		Kind:          kind,
		TargetVersion: version,
		State:         snapshot.State,
		Message:       snapshot.Message,
		Logs:          snapshot.Logs,
	}

	if snapshot.BackupPath != nil {
		entry.BackupPath = *snapshot.BackupPath
	}

	if snapshot.StartTime != nil {
		entry.StartTime = *snapshot.StartTime
	}

	if snapshot.EndTime != nil {
		entry.EndTime = *snapshot.EndTime
	}

	if err := o.deps.History.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.WarnKV(ctx, "Failed to record run history", "error", err)
	}
}

func (o *Orchestrator) markManualIntervention(value bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.manualIntervention = value
}

func (o *Orchestrator) hasBackup() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.run.HasBackup() {
		return "", false
	}

	return *o.run.BackupPath, true
}

// isNotFound reports a missing installed-version marker.
func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
