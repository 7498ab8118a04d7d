package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces editor save bursts into one reload.
const DefaultWatchDebounce = 300 * time.Millisecond

// WatchOptions configures WatchServers.
type WatchOptions struct {
	Debounce time.Duration
	// OnChange receives the sorted names whose descriptors changed, appeared,
	// or disappeared since the previous reload.
	OnChange func(names []string)
	// OnError receives reload and watcher errors. The previous snapshot stays
	// in effect after a failed reload.
	OnError func(error)
}

// WatchServers watches the descriptor file and its dotenv file until ctx is
// done. The containing directory is watched so atomic replacements are seen.
// It returns once the watch is established.
func WatchServers(ctx context.Context, store *ServerStore, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultWatchDebounce
	}
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	previous, err := store.List()
	if err != nil && opts.OnError != nil {
		opts.OnError(err)
	}

	go runWatch(ctx, watcher, store, previous, opts)
	return nil
}

func runWatch(ctx context.Context, watcher *fsnotify.Watcher, store *ServerStore, previous []ServerDescriptor, opts WatchOptions) {
	defer watcher.Close()

	serversFile := filepath.Base(store.Path())
	envFile := ""
	if store.envPath != "" {
		envFile = filepath.Base(store.envPath)
	}

	var (
		timer      *time.Timer
		fire       <-chan time.Time
		envTouched bool
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				stopTimer()
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			switch {
			case base == serversFile:
			case envFile != "" && base == envFile:
				envTouched = true
			default:
				continue
			}
			stopTimer()
			timer = time.NewTimer(opts.Debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			current, err := store.List()
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(err)
				}
				envTouched = false
				continue
			}
			changed := ChangedServers(previous, current)
			if envTouched {
				changed = mergeNames(changed, placeholderServers(current))
				envTouched = false
			}
			previous = current
			if len(changed) > 0 && opts.OnChange != nil {
				opts.OnChange(changed)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				stopTimer()
				return
			}
			if opts.OnError != nil {
				opts.OnError(fmt.Errorf("watch servers: %w", err))
			}
		}
	}
}

// placeholderServers lists descriptors whose resolution depends on the
// environment.
func placeholderServers(descs []ServerDescriptor) []string {
	var names []string
	for _, desc := range descs {
		if referencesPlaceholders(desc) {
			names = append(names, desc.Name)
		}
	}
	return names
}

func referencesPlaceholders(desc ServerDescriptor) bool {
	if strings.Contains(desc.URL, "$") {
		return true
	}
	for _, arg := range desc.Args {
		if strings.Contains(arg, "$") {
			return true
		}
	}
	for _, value := range desc.Env {
		if strings.Contains(value, "$") {
			return true
		}
	}
	return false
}

func mergeNames(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, name := range a {
		set[name] = struct{}{}
	}
	for _, name := range b {
		set[name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
