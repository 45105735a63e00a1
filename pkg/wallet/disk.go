package wallet

import (
	"fmt"

	"github.com/golang/glog"
)

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// checkDiskSpaceForWrite verifies sufficient disk space before write operations
func (w *Wallet) checkDiskSpaceForWrite(dataSize int) error {
	info, err := w.CheckDiskSpace()
	if err != nil {
		// A failed space check never blocks the write.
		glog.Warningf("wallet: failed to check disk space: %v", err)
		return nil
	}

	// Need at least MinDiskSpaceBytes or 2x the data size, whichever is larger
	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk,
			info.Available/(1024*1024),
			required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		glog.Warningf("disk is %d%% full, consider freeing space", info.UsedPct)
	}
	return nil
}
