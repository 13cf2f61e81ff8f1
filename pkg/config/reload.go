package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/chiral-network/downloader/pkg/dlog"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher reloads rate limits from a config file as it changes on disk,
// without requiring the process to restart. Every other field is only
// read once at startup.
type Watcher struct {
	v    *viper.Viper
	path string
	log  dlog.Interface

	current chan RateLimit
}

// WatchRateLimits starts watching path for changes and pushes the updated
// download rate limit on the returned channel after each change settles.
// Callers read from the channel in a select loop alongside their own
// shutdown signal; closing ctx stops the watcher and the channel.
func WatchRateLimits(ctx context.Context, v *viper.Viper, path string, log dlog.Interface) (<-chan RateLimit, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// ConfigMap-mounted files are replaced via symlink swap rather than
	// edited in place, so watch the containing directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan RateLimit, 1)

	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				// Give the writer a moment to finish before re-reading.
				time.Sleep(200 * time.Millisecond)

				if err := v.ReadInConfig(); err != nil {
					log.WithError(err).Warn("rate limit reload: re-reading config failed")
					continue
				}
				var rl RateLimit
				if err := v.UnmarshalKey("download_rate", &rl); err != nil {
					log.WithError(err).Warn("rate limit reload: decoding download_rate failed")
					continue
				}
				select {
				case out <- rl:
				default:
					// Drain the stale value first so the latest always wins.
					select {
					case <-out:
					default:
					}
					out <- rl
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("rate limit reload: watcher error")
			}
		}
	}()

	return out, nil
}
