package testsupport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mcps/internal/config"
	"mcps/internal/jsonval"
	"mcps/internal/mcpclient"
	"mcps/internal/services"
)

// StaticSource serves descriptors from memory.
type StaticSource struct {
	mu    sync.Mutex
	descs map[string]config.ServerDescriptor
}

// NewStaticSource returns a source holding descs.
func NewStaticSource(descs ...config.ServerDescriptor) *StaticSource {
	s := &StaticSource{descs: map[string]config.ServerDescriptor{}}
	for _, d := range descs {
		s.descs[d.Name] = d
	}
	return s
}

// ProcessServer builds a process descriptor.
func ProcessServer(name, command string, args ...string) config.ServerDescriptor {
	return config.ServerDescriptor{Name: name, Kind: config.KindProcess, Command: command, Args: args}
}

// Put adds or replaces a descriptor.
func (s *StaticSource) Put(desc config.ServerDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs[desc.Name] = desc
}

func (s *StaticSource) Descriptor(name string) (config.ServerDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.descs[name]
	if !ok || desc.Disabled {
		return config.ServerDescriptor{}, services.Wrap(services.ErrConfigNotFound, name, "", "not configured", nil)
	}
	return desc, nil
}

func (s *StaticSource) Enabled() ([]config.ServerDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]config.ServerDescriptor, 0, len(s.descs))
	for _, d := range s.descs {
		if d.Enabled() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FakeConnector hands out FakeConns and records connect attempts. Behaviour
// is configured per server name before use.
type FakeConnector struct {
	mu sync.Mutex
	// Tools is the tool list served per server; unset servers expose "echo".
	Tools map[string][]mcpclient.Tool
	// ConnectErr fails the connect for a server.
	ConnectErr map[string]error
	// ListErr fails tool listing for a server.
	ListErr map[string]error
	// CloseErr fails Close for a server.
	CloseErr map[string]error
	// Delay stalls the connect without honouring the context.
	Delay map[string]time.Duration
	// PIDs is the process reported by PID for a server.
	PIDs map[string]int

	connects map[string]int
	conns    []*FakeConn
}

// NewFakeConnector returns an empty connector.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		Tools:      map[string][]mcpclient.Tool{},
		ConnectErr: map[string]error{},
		ListErr:    map[string]error{},
		CloseErr:   map[string]error{},
		Delay:      map[string]time.Duration{},
		PIDs:       map[string]int{},
		connects:   map[string]int{},
	}
}

func (f *FakeConnector) Connect(ctx context.Context, desc config.ServerDescriptor) (mcpclient.Conn, error) {
	f.mu.Lock()
	f.connects[desc.Name]++
	delay := f.Delay[desc.Name]
	err := f.ConnectErr[desc.Name]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tools, ok := f.Tools[desc.Name]
	if !ok {
		tools = []mcpclient.Tool{{Name: "echo", Description: "Echo arguments"}}
	}
	conn := &FakeConn{
		Server:   desc.Name,
		tools:    tools,
		listErr:  f.ListErr[desc.Name],
		closeErr: f.CloseErr[desc.Name],
		pid:      f.PIDs[desc.Name],
	}
	f.conns = append(f.conns, conn)
	return conn, nil
}

// Connects returns the number of connect attempts for name.
func (f *FakeConnector) Connects(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[name]
}

// Conns returns every connection handed out, in order.
func (f *FakeConnector) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns...)
}

// FakeConn is an in-memory protocol session.
type FakeConn struct {
	Server string

	tools    []mcpclient.Tool
	listErr  error
	closeErr error
	pid      int

	mu     sync.Mutex
	calls  []string
	closed atomic.Bool
	lists  atomic.Int32
}

func (c *FakeConn) ListTools(ctx context.Context) ([]mcpclient.Tool, error) {
	c.lists.Add(1)
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]mcpclient.Tool(nil), c.tools...), nil
}

// CallTool echoes the arguments. The tool "fail" returns an error, "reject"
// returns an isError result, and "panic" panics.
func (c *FakeConn) CallTool(ctx context.Context, name string, args jsonval.Object) (*mcpclient.CallResult, error) {
	if c.closed.Load() {
		return nil, errors.New("connection closed")
	}
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()

	switch name {
	case "fail":
		return nil, errors.New("backend exploded")
	case "panic":
		panic("backend handler bug")
	case "reject":
		result := mcpclient.TextResult("rejected")
		result.IsError = true
		return result, nil
	}
	encoded, err := jsonval.MarshalObject(args)
	if err != nil {
		return nil, err
	}
	return mcpclient.TextResult(fmt.Sprintf("%s/%s %s", c.Server, name, encoded)), nil
}

func (c *FakeConn) PID() int { return c.pid }

func (c *FakeConn) Close() error {
	c.closed.Store(true)
	return c.closeErr
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool { return c.closed.Load() }

// Calls returns the invoked tool names.
func (c *FakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Lists returns the number of ListTools calls.
func (c *FakeConn) Lists() int { return int(c.lists.Load()) }
