package update

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestStateIsQuiescent verifies which states allow a new run to start.
func TestStateIsQuiescent(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateIdle, StateSuccess, StateFailed} {
		require.True(t, s.IsQuiescent(), s)
	}

	for _, s := range []State{
		StateInitializing, StateValidating, StateBackingUp, StateDownloading, StateVerifying,
		StateInstalling, StateUpdatingServices, StateRestarting, StateVerifyingHealth, StateRollingBack,
	} {
		require.False(t, s.IsQuiescent(), s)
	}
}

// TestSnapshotClone verifies that Clone detaches logs and pointers.
func TestSnapshotClone(t *testing.T) {
	t.Parallel()

	path := "/backups/a.tar.gz"
	start := time.Now().UTC()
	s := Snapshot{
		State:      StateBackingUp,
		Progress:   15,
		Logs:       []string{"one"},
		BackupPath: &path,
		StartTime:  &start,
	}

	c := s.Clone()
	require.Equal(t, s, c)

	c.Logs[0] = "changed"
	*c.BackupPath = "/other"

	require.Equal(t, "one", s.Logs[0])
	require.Equal(t, "/backups/a.tar.gz", *s.BackupPath)
	require.True(t, s.HasBackup())
}

// TestSnapshotJSON pins the wire field names observers depend on.
func TestSnapshotJSON(t *testing.T) {
	t.Parallel()

	s := Snapshot{State: StateIdle}
	c := s.Clone()

	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"state":"idle","progress":0,"message":"","logs":[],"backupPath":null,"startTime":null,"endTime":null}`,
		string(data))
}
