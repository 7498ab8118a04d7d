package proctrack

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// Discoverer enumerates processes.
type Discoverer interface {
	// Descendants returns every transitive child of root.
	Descendants(root int) ([]int, error)
	// Cmdline returns the space-joined command line of pid.
	Cmdline(pid int) (string, error)
}

// ProcFS discovers processes through /proc. When /proc is unavailable every
// snapshot is empty and tracking is effectively disabled.
type ProcFS struct {
	fs        procfs.FS
	available bool
}

// NewProcFS opens the default /proc mount.
func NewProcFS() *ProcFS {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return &ProcFS{}
	}
	return &ProcFS{fs: fs, available: true}
}

// Available reports whether /proc could be opened.
func (p *ProcFS) Available() bool {
	return p != nil && p.available
}

func (p *ProcFS) Descendants(root int) ([]int, error) {
	if !p.Available() {
		return nil, nil
	}
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	children := make(map[int][]int, len(procs))
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], proc.PID)
	}
	return walkTree(children, root), nil
}

func (p *ProcFS) Cmdline(pid int) (string, error) {
	if !p.Available() {
		return "", nil
	}
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return "", err
	}
	args, err := proc.CmdLine()
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}

// walkTree returns all transitive children of root in breadth-first order.
func walkTree(children map[int][]int, root int) []int {
	var out []int
	seen := map[int]struct{}{root: {}}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}
