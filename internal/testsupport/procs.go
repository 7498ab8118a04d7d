package testsupport

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// FakeProcesses is an in-memory process tree usable as both the discoverer
// and the killer of a proctrack.Tracker.
type FakeProcesses struct {
	mu       sync.Mutex
	children map[int][]int
	cmdlines map[int]string
	gone     map[int]bool
	killed   []int
}

// NewFakeProcesses returns an empty tree.
func NewFakeProcesses() *FakeProcesses {
	return &FakeProcesses{
		children: map[int][]int{},
		cmdlines: map[int]string{},
		gone:     map[int]bool{},
	}
}

// Spawn records pid as a child of parent.
func (f *FakeProcesses) Spawn(parent, pid int, cmdline string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[parent] = append(f.children[parent], pid)
	f.cmdlines[pid] = cmdline
}

// Exit marks pid as already gone; killing it fails with ESRCH.
func (f *FakeProcesses) Exit(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[pid] = true
}

func (f *FakeProcesses) Descendants(root int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	seen := map[int]bool{}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range f.children[pid] {
			if seen[child] || f.gone[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

func (f *FakeProcesses) Cmdline(pid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[pid] {
		return "", unix.ESRCH
	}
	return f.cmdlines[pid], nil
}

func (f *FakeProcesses) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[pid] {
		return unix.ESRCH
	}
	f.gone[pid] = true
	f.killed = append(f.killed, pid)
	return nil
}

// Killed returns the successfully killed pids, sorted.
func (f *FakeProcesses) Killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int(nil), f.killed...)
	sort.Ints(out)
	return out
}
