package internal

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var (
	DefaultAppName = "ffs"

	// DefaultRegionDir is where named regions are backed. tmpfs keeps the
	// image purely in memory; any directory works for tests.
	DefaultRegionDir = "/dev/shm"

	// DefaultMaxRegionSize caps the image at 500 MB. Offsets inside the
	// image are 32-bit, so the region can never exceed 4 GB.
	DefaultMaxRegionSize = uint32(500 * 1024 * 1024)
)

// RegionName derives the well-known region name for a monitored root,
// e.g. /home/x/src -> ffs_!home!x!src. Readers recompute the same name
// from the same root path.
func RegionName(rootPath string) string {
	p := strings.ReplaceAll(rootPath, "/", "!")
	p = strings.ReplaceAll(p, "\\", "!")
	p = strings.ReplaceAll(p, ":", "")
	return DefaultAppName + "_" + p
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
