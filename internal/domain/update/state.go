package update

import (
	"slices"
	"time"
)

// State is the name of an update run phase.
// The string values are part of the status wire contract.
type State string

// Run states in the order a successful run walks through them.
const (
	StateIdle             State = "idle"
	StateInitializing     State = "initializing"
	StateValidating       State = "validating"
	StateBackingUp        State = "backing_up"
	StateDownloading      State = "downloading"
	StateVerifying        State = "verifying"
	StateInstalling       State = "installing"
	StateUpdatingServices State = "updating_services"
	StateRestarting       State = "restarting"
	StateVerifyingHealth  State = "verifying_health"
	StateRollingBack      State = "rolling_back"
	StateSuccess          State = "success"
	StateFailed           State = "failed"
)

// IsQuiescent reports whether no phase sequence is executing in this state.
func (s State) IsQuiescent() bool {
	return s == StateIdle || s == StateSuccess || s == StateFailed
}

// Progress returns the nominal progress percentage of a phase.
func (s State) Progress() int {
	switch s {
	case StateValidating:
		return 5
	case StateBackingUp:
		return 15
	case StateDownloading:
		return 30
	case StateVerifying:
		return 50
	case StateInstalling:
		return 60
	case StateUpdatingServices:
		return 70
	case StateRestarting:
		return 80
	case StateVerifyingHealth:
		return 90
	case StateSuccess:
		return 100
	default:
		return 0
	}
}

// Snapshot is an immutable copy of the update run status pushed to observers.
type Snapshot struct {
	// State is the current phase.
	State State `json:"state"`
	// Progress is the completion percentage (0-100).
	Progress int `json:"progress"`
	// Message is a human-readable description of the current phase.
	Message string `json:"message"`
	// Logs are timestamped run log lines in append order.
	Logs []string `json:"logs"`
	// BackupPath is set once a backup succeeded and enables rollback.
	BackupPath *string `json:"backupPath"`
	// StartTime is when the run was initialized.
	StartTime *time.Time `json:"startTime"`
	// EndTime is when the run reached a terminal state.
	EndTime *time.Time `json:"endTime"`
}

// Clone returns a deep copy so callers never share slices or pointers with the run.
func (s *Snapshot) Clone() Snapshot {
	cloned := Snapshot{
		State:    s.State,
		Progress: s.Progress,
		Message:  s.Message,
		Logs:     slices.Clone(s.Logs),
	}

	if cloned.Logs == nil {
		cloned.Logs = []string{}
	}

	if s.BackupPath != nil {
		path := *s.BackupPath
		cloned.BackupPath = &path
	}

	if s.StartTime != nil {
		start := *s.StartTime
		cloned.StartTime = &start
	}

	if s.EndTime != nil {
		end := *s.EndTime
		cloned.EndTime = &end
	}

	return cloned
}

// HasBackup reports whether the run recorded a backup it can roll back to.
func (s *Snapshot) HasBackup() bool {
	return s.BackupPath != nil && *s.BackupPath != ""
}
