package proctrack

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"mcps/internal/config"
	"mcps/internal/logging"
	"mcps/internal/services"
)

// DefaultSettleDelay is how long Discover waits for launchers to fork.
const DefaultSettleDelay = 500 * time.Millisecond

// Killer terminates a process.
type Killer interface {
	Kill(pid int) error
}

// KillerFunc adapts a function to Killer.
type KillerFunc func(pid int) error

func (f KillerFunc) Kill(pid int) error { return f(pid) }

// SignalKiller sends SIGKILL.
type SignalKiller struct{}

func (SignalKiller) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	Discoverer  Discoverer
	Killer      Killer
	Matcher     Matcher
	SettleDelay time.Duration
	// Self is the root of the tracked process tree, normally os.Getpid().
	Self   int
	Logger *slog.Logger
}

// Tracker maintains the running descendant snapshot shared by all sessions.
type Tracker struct {
	discoverer Discoverer
	killer     Killer
	matcher    Matcher
	settle     time.Duration
	self       int
	logger     *slog.Logger

	mu       sync.Mutex
	snapshot map[int]struct{}
}

// New builds a tracker and records the initial snapshot.
func New(opts Options) *Tracker {
	t := &Tracker{
		discoverer: opts.Discoverer,
		killer:     opts.Killer,
		matcher:    opts.Matcher,
		settle:     opts.SettleDelay,
		self:       opts.Self,
		logger:     logging.NewComponentLogger(opts.Logger, "proctrack"),
	}
	if t.discoverer == nil {
		t.discoverer = NewProcFS()
	}
	if t.killer == nil {
		t.killer = SignalKiller{}
	}
	if t.self <= 0 {
		t.self = os.Getpid()
	}
	if t.settle < 0 {
		t.settle = 0
	}
	t.snapshot = t.take()
	return t
}

// Discover waits for the settle delay, diffs the descendant tree against the
// running snapshot, and returns the new processes that match desc. hints are
// PIDs known to belong to the session (the directly spawned process); they
// and their descendants are kept without consulting the matcher. The running
// snapshot is replaced even when nothing matches.
func (t *Tracker) Discover(ctx context.Context, desc config.ServerDescriptor, hints ...int) []int {
	if t.settle > 0 {
		timer := time.NewTimer(t.settle)
		select {
		case <-ctx.Done():
			// Still diff so the snapshot stays current.
		case <-timer.C:
		}
		timer.Stop()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.take()
	owned := map[int]struct{}{}
	for _, hint := range hints {
		if hint <= 0 || hint == t.self {
			continue
		}
		owned[hint] = struct{}{}
		if below, err := t.discoverer.Descendants(hint); err == nil {
			for _, pid := range below {
				owned[pid] = struct{}{}
			}
		}
	}

	for pid := range current {
		if pid == t.self {
			continue
		}
		if _, seen := t.snapshot[pid]; seen {
			continue
		}
		if _, ok := owned[pid]; ok {
			continue
		}
		cmdline, err := t.discoverer.Cmdline(pid)
		if err != nil {
			continue
		}
		if t.matcher.Matches(cmdline, desc) {
			owned[pid] = struct{}{}
		} else {
			t.logger.Debug("ignoring unrelated process",
				logging.String(logging.FieldServer, desc.Name),
				logging.Int("pid", pid),
				logging.String("cmdline", cmdline),
			)
		}
	}
	t.snapshot = current

	pids := make([]int, 0, len(owned))
	for pid := range owned {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	if len(pids) > 0 {
		t.logger.Debug("processes discovered",
			logging.String(logging.FieldServer, desc.Name),
			logging.String("pids", formatPIDs(pids)),
		)
	}
	return pids
}

// Kill sends SIGKILL to every pid immediately. Failures, including processes
// that already exited, are logged and never returned.
func (t *Tracker) Kill(server string, pids []int) {
	for _, pid := range pids {
		if pid <= 0 || pid == t.self {
			continue
		}
		if err := t.killer.Kill(pid); err != nil {
			err = services.Wrap(services.ErrKillFailed, server, "kill", "pid "+strconv.Itoa(pid), err)
			if errors.Is(err, unix.ESRCH) {
				t.logger.Debug("process already exited",
					logging.String(logging.FieldServer, server),
					logging.Int("pid", pid),
					logging.Error(err),
				)
				continue
			}
			logging.WarnWithContext(t.logger, "process kill failed", "process_kill_failed",
				logging.String(logging.FieldServer, server),
				logging.Int("pid", pid),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check process ownership; it may need manual cleanup"),
				logging.String(logging.FieldImpact, "backend process may keep running"),
			)
			continue
		}
		t.logger.Debug("process killed", logging.String(logging.FieldServer, server), logging.Int("pid", pid))
	}
	t.forget(pids)
}

// Snapshot returns a copy of the running snapshot.
func (t *Tracker) Snapshot() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.snapshot))
	for pid := range t.snapshot {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

func (t *Tracker) forget(pids []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pid := range pids {
		delete(t.snapshot, pid)
	}
}

func (t *Tracker) take() map[int]struct{} {
	pids, err := t.discoverer.Descendants(t.self)
	if err != nil {
		t.logger.Debug("process snapshot failed", logging.Error(err))
	}
	set := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		set[pid] = struct{}{}
	}
	return set
}

func formatPIDs(pids []int) string {
	buf := make([]byte, 0, len(pids)*6)
	for i, pid := range pids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, int64(pid), 10)
	}
	return string(buf)
}
