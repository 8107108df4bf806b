// The ffs writer process: builds the shared directory image for one
// enumeration root, then maintains it from change notifications until
// terminated. Readers attach to the named region from other processes.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	internal "github.com/ZanzyTHEbar/fastfilestats/ffs"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/builder"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/config"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/region"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/updater"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/watcher"
)

// Exit codes of the writer process.
const (
	exitOK              = 0
	exitRegionFailure   = 1
	exitWatcherFailure  = 2
	exitBuildFailure    = 3
	exitRegionExhausted = 6
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := internal.GetLogger()

	configPath := ""
	if v := os.Getenv("FFS_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return exitRegionFailure
	}

	root := cfg.FFS.Root
	if len(os.Args) > 1 {
		root = os.Args[1]
	}
	root, err = filepath.Abs(root)
	if err != nil {
		logger.Error().Err(err).Str("root", root).Msg("failed to resolve root")
		return exitBuildFailure
	}

	name := cfg.FFS.RegionName(root)
	reg, err := region.AttachWriter(cfg.FFS.Region.Dir, name, cfg.FFS.Region.MaxSize)
	if err != nil {
		logger.Error().Err(err).Str("region", name).Msg("failed to attach region")
		return exitRegionFailure
	}
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := builder.New(reg, root,
		builder.WithExcludePatterns(cfg.FFS.ExcludePatterns))
	stats, err := b.Build(ctx)
	if err != nil {
		if errors.Is(err, region.ErrExhausted) {
			logger.Error().Err(err).Msg("region exhausted during build")
			return exitRegionExhausted
		}
		logger.Error().Err(err).Msg("initial build failed")
		return exitBuildFailure
	}
	logger.Info().
		Uint32("nodes", stats.Nodes).
		Uint32("dirs", stats.Dirs).
		Uint32("bytes", stats.BytesUsed).
		Dur("elapsed", stats.Elapsed).
		Msg("image built")

	upd := updater.New(reg)

	wcfg := watcher.Config{
		DebounceDelay:    time.Duration(cfg.FFS.Watcher.DebounceMillis) * time.Millisecond,
		MaxDebounceDelay: time.Duration(cfg.FFS.Watcher.MaxDebounceMillis) * time.Millisecond,
		BatchSize:        cfg.FFS.Watcher.BatchSize,
		QueueCapacity:    cfg.FFS.Watcher.QueueCapacity,
		Filters: watcher.FilterFlags{
			Name:      cfg.FFS.Watcher.FilterName,
			LastWrite: cfg.FFS.Watcher.FilterLastWrite,
			Creation:  cfg.FFS.Watcher.FilterCreation,
			Size:      cfg.FFS.Watcher.FilterSize,
		},
	}
	w, err := watcher.WatchTree(ctx, root, wcfg, upd)
	if err != nil {
		logger.Error().Err(err).Msg("failed to subscribe to change notifications")
		return exitWatcherFailure
	}
	defer w.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case err := <-upd.Fatal():
			if errors.Is(err, region.ErrExhausted) {
				logger.Error().Err(err).Msg("region exhausted during update")
				return exitRegionExhausted
			}
			logger.Error().Err(err).Msg("updater failed")
			return exitRegionFailure

		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				upd.Freeze()
			case syscall.SIGUSR2:
				upd.Thaw()
			default:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				return exitOK
			}
		}
	}
}
