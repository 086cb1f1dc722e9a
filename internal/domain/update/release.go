package update

import "time"

// ReleaseDescriptor describes a published release of the appliance.
type ReleaseDescriptor struct {
	// Version is the validated semantic version without a "v" prefix.
	Version string `json:"version"`
	// TagName is the raw release tag.
	TagName string `json:"tagName"`
	// DownloadURL points to the release archive.
	DownloadURL string `json:"downloadUrl"`
	// ChecksumURL points to the SHA-256 file, empty when the release has none.
	ChecksumURL string `json:"checksumUrl,omitempty"`
	// ReleaseNotes is the release body.
	ReleaseNotes string `json:"releaseNotes"`
	// Prerelease marks unstable releases.
	Prerelease bool `json:"prerelease"`
	// PublishedAt is the publication time reported by the release host.
	PublishedAt time.Time `json:"publishedAt"`
}

// VersionComparison is the outcome of comparing installed and latest versions.
type VersionComparison struct {
	Installed       string             `json:"installed"`
	Latest          string             `json:"latest"`
	UpdateAvailable bool               `json:"updateAvailable"`
	Release         *ReleaseDescriptor `json:"release"`
}

// BackupRecord describes one backup archive on disk.
type BackupRecord struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunKind distinguishes update runs from manual rollbacks in the history.
type RunKind string

// Run kinds.
const (
	RunKindUpdate   RunKind = "update"
	RunKindRollback RunKind = "rollback"
)

// HistoryEntry is a finished run persisted for later inspection.
type HistoryEntry struct {
	ID            string    `json:"id"`
	Kind          RunKind   `json:"kind"`
	TargetVersion string    `json:"targetVersion,omitempty"`
	State         State     `json:"state"`
	Message       string    `json:"message"`
	BackupPath    string    `json:"backupPath,omitempty"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	Logs          []string  `json:"logs"`
}
