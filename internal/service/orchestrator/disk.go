package orchestrator

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpace reports the free bytes of the filesystem holding path.
func FreeSpace(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}

	return usage.Free, nil
}
