package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"mcps/internal/fileutil"
	"mcps/internal/services"
)

// Kind identifies how a backend is reached.
type Kind string

const (
	KindProcess     Kind = "process"
	KindHTTP        Kind = "http"
	KindEventStream Kind = "eventstream"
)

// ParseKind maps the type names used by MCP client configs onto a Kind.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "process", "stdio":
		return KindProcess, nil
	case "http", "streamable-http", "streamablehttp":
		return KindHTTP, nil
	case "eventstream", "sse":
		return KindEventStream, nil
	default:
		return "", fmt.Errorf("unknown server type %q (expected stdio, http, or sse)", value)
	}
}

// Label returns the short name shown to users.
func (k Kind) Label() string {
	switch k {
	case KindProcess:
		return "stdio"
	case KindEventStream:
		return "sse"
	default:
		return string(k)
	}
}

// DetectKind infers the kind of an entry without an explicit type: a URL
// containing /sse is an event stream, any other URL is streamable HTTP, and
// everything else is a spawned process.
func DetectKind(rawURL string) Kind {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return KindProcess
	}
	if strings.Contains(rawURL, "/sse") {
		return KindEventStream
	}
	return KindHTTP
}

// ServerDescriptor describes how to reach one backend.
type ServerDescriptor struct {
	Name     string
	Kind     Kind
	Command  string
	Args     []string
	Env      map[string]string
	Cwd      string
	URL      string
	Disabled bool
}

// Enabled reports whether the pool may connect to the backend.
func (d ServerDescriptor) Enabled() bool {
	return !d.Disabled
}

// Target returns the command line or URL used to reach the backend.
func (d ServerDescriptor) Target() string {
	if d.Kind == KindProcess {
		return strings.TrimSpace(strings.Join(append([]string{d.Command}, d.Args...), " "))
	}
	return d.URL
}

// Validate checks that the descriptor carries the parameters its kind needs.
func (d ServerDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("server name is required")
	}
	switch d.Kind {
	case KindProcess:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("server %q: command is required for stdio servers", d.Name)
		}
	case KindHTTP, KindEventStream:
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("server %q: url is required for %s servers", d.Name, d.Kind.Label())
		}
		// Placeholders are resolved at connect time, so only reject URLs
		// that cannot parse even with them in place.
		if !strings.Contains(d.URL, "$") {
			parsed, err := url.Parse(d.URL)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("server %q: invalid url %q", d.Name, d.URL)
			}
		}
	default:
		return fmt.Errorf("server %q: unknown type %q", d.Name, d.Kind)
	}
	return nil
}

// ServerUpdate carries a partial descriptor change; nil fields are untouched.
type ServerUpdate struct {
	Kind     *Kind
	Command  *string
	Args     []string
	Env      map[string]string
	Cwd      *string
	URL      *string
	Disabled *bool
}

type serverEntry struct {
	Type     string            `json:"type,omitempty"`
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	URL      string            `json:"url,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

var entryKeys = []string{"type", "command", "args", "env", "cwd", "url", "disabled"}

// ServerFile is a parsed snapshot of the descriptor file.
type ServerFile struct {
	Servers []ServerDescriptor
	// Invalid holds entries that failed to parse or validate, keyed by name.
	Invalid map[string]error
	// DaemonTimeout is the optional client wait for daemon start.
	DaemonTimeout time.Duration
}

// ServerStore persists server descriptors in an mcpServers JSON document.
// Unknown keys (for example autoApprove) are preserved across writes.
type ServerStore struct {
	path    string
	envPath string

	mu sync.Mutex
}

// NewServerStore returns a store backed by path. envPath names an optional
// dotenv file consulted when resolving placeholders.
func NewServerStore(path, envPath string) *ServerStore {
	return &ServerStore{path: path, envPath: envPath}
}

// OpenServerStore returns the store configured by cfg.
func OpenServerStore(cfg *Config) *ServerStore {
	return NewServerStore(cfg.ServersPath(), cfg.EnvFilePath())
}

// Path returns the descriptor file location.
func (s *ServerStore) Path() string {
	return s.path
}

// Load parses the descriptor file. A missing file yields an empty snapshot.
func (s *ServerStore) Load() (*ServerFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	return doc.snapshot(), nil
}

// List returns every valid descriptor sorted by name.
func (s *ServerStore) List() ([]ServerDescriptor, error) {
	file, err := s.Load()
	if err != nil {
		return nil, err
	}
	return file.Servers, nil
}

// Enabled returns the valid descriptors that are not disabled.
func (s *ServerStore) Enabled() ([]ServerDescriptor, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	enabled := make([]ServerDescriptor, 0, len(all))
	for _, desc := range all {
		if desc.Enabled() {
			enabled = append(enabled, desc)
		}
	}
	return enabled, nil
}

// Get returns the stored descriptor without placeholder resolution.
func (s *ServerStore) Get(name string) (ServerDescriptor, error) {
	file, err := s.Load()
	if err != nil {
		return ServerDescriptor{}, err
	}
	for _, desc := range file.Servers {
		if desc.Name == name {
			return desc, nil
		}
	}
	if invalid, ok := file.Invalid[name]; ok {
		return ServerDescriptor{}, fmt.Errorf("server %q is invalid: %w", name, invalid)
	}
	return ServerDescriptor{}, services.Wrap(services.ErrConfigNotFound, name, "", "not configured", nil)
}

// Descriptor returns the named descriptor with placeholders resolved, ready
// to connect. Disabled servers are reported as not found.
func (s *ServerStore) Descriptor(name string) (ServerDescriptor, error) {
	desc, err := s.Get(name)
	if err != nil {
		return ServerDescriptor{}, err
	}
	if desc.Disabled {
		return ServerDescriptor{}, services.Wrap(services.ErrConfigNotFound, name, "", "server is disabled", nil)
	}
	lookup, err := s.envLookup()
	if err != nil {
		return ServerDescriptor{}, err
	}
	return ResolveDescriptor(desc, lookup)
}

// DaemonTimeout returns the daemonTimeout setting, zero when unset.
func (s *ServerStore) DaemonTimeout() time.Duration {
	file, err := s.Load()
	if err != nil {
		return 0
	}
	return file.DaemonTimeout
}

// Add stores a new descriptor. Names must be unique.
func (s *ServerStore) Add(desc ServerDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	return s.mutate(func(doc *serverDocument) error {
		if _, exists := doc.servers[desc.Name]; exists {
			return fmt.Errorf("server %q already exists", desc.Name)
		}
		return doc.put(desc, nil)
	})
}

// Remove deletes a descriptor.
func (s *ServerStore) Remove(name string) error {
	return s.mutate(func(doc *serverDocument) error {
		if _, exists := doc.servers[name]; !exists {
			return services.Wrap(services.ErrConfigNotFound, name, "remove", "not configured", nil)
		}
		delete(doc.servers, name)
		return nil
	})
}

// Update applies a partial change and re-validates the result.
func (s *ServerStore) Update(name string, update ServerUpdate) (ServerDescriptor, error) {
	var updated ServerDescriptor
	err := s.mutate(func(doc *serverDocument) error {
		raw, exists := doc.servers[name]
		if !exists {
			return services.Wrap(services.ErrConfigNotFound, name, "update", "not configured", nil)
		}
		current, err := decodeEntry(name, raw)
		if err != nil {
			return fmt.Errorf("server %q is invalid: %w", name, err)
		}
		next := applyUpdate(current, update)
		if err := next.Validate(); err != nil {
			return fmt.Errorf("invalid update: %w", err)
		}
		updated = next
		return doc.put(next, raw)
	})
	return updated, err
}

// SetDisabled toggles the disabled flag.
func (s *ServerStore) SetDisabled(name string, disabled bool) error {
	_, err := s.Update(name, ServerUpdate{Disabled: &disabled})
	return err
}

func applyUpdate(current ServerDescriptor, update ServerUpdate) ServerDescriptor {
	next := current
	if update.Kind != nil {
		next.Kind = *update.Kind
	}
	if update.Command != nil {
		next.Command = *update.Command
	}
	if update.Args != nil {
		next.Args = append([]string(nil), update.Args...)
	}
	if update.Env != nil {
		merged := make(map[string]string, len(current.Env)+len(update.Env))
		for k, v := range current.Env {
			merged[k] = v
		}
		for k, v := range update.Env {
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		next.Env = merged
	}
	if update.Cwd != nil {
		next.Cwd = *update.Cwd
	}
	if update.URL != nil {
		next.URL = *update.URL
		if update.Kind == nil && next.URL != "" {
			next.Kind = DetectKind(next.URL)
		}
	}
	if update.Disabled != nil {
		next.Disabled = *update.Disabled
	}
	return next
}

func (s *ServerStore) mutate(fn func(*serverDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.writeDocument(doc)
}

type serverDocument struct {
	top     map[string]json.RawMessage
	servers map[string]json.RawMessage
}

func (s *ServerStore) readDocument() (*serverDocument, error) {
	doc := &serverDocument{
		top:     map[string]json.RawMessage{},
		servers: map[string]json.RawMessage{},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc.top); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", s.path, err)
	}
	if raw, ok := doc.top["mcpServers"]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &doc.servers); err != nil {
			return nil, fmt.Errorf("parse mcpServers in %s: %w", s.path, err)
		}
	}
	return doc, nil
}

func (s *ServerStore) writeDocument(doc *serverDocument) error {
	servers, err := json.Marshal(doc.servers)
	if err != nil {
		return fmt.Errorf("encode servers: %w", err)
	}
	doc.top["mcpServers"] = servers
	data, err := json.MarshalIndent(doc.top, "", "  ")
	if err != nil {
		return fmt.Errorf("encode servers file: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write servers file: %w", err)
	}
	return nil
}

// put encodes desc over base, keeping keys this package does not manage.
func (doc *serverDocument) put(desc ServerDescriptor, base json.RawMessage) error {
	fields := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			fields = map[string]json.RawMessage{}
		}
	}
	for _, key := range entryKeys {
		delete(fields, key)
	}

	entry := serverEntry{
		Args:     desc.Args,
		Env:      desc.Env,
		Cwd:      desc.Cwd,
		Disabled: desc.Disabled,
	}
	if desc.Kind == KindProcess {
		entry.Command = desc.Command
	} else {
		entry.URL = desc.URL
		entry.Args = nil
		entry.Env = nil
		entry.Cwd = ""
		if DetectKind(desc.URL) != desc.Kind {
			entry.Type = desc.Kind.Label()
		}
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	known := map[string]json.RawMessage{}
	if err := json.Unmarshal(encoded, &known); err != nil {
		return err
	}
	for k, v := range known {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	doc.servers[desc.Name] = merged
	return nil
}

func (doc *serverDocument) snapshot() *ServerFile {
	file := &ServerFile{Invalid: map[string]error{}}
	for name, raw := range doc.servers {
		desc, err := decodeEntry(name, raw)
		if err != nil {
			file.Invalid[name] = err
			continue
		}
		file.Servers = append(file.Servers, desc)
	}
	sort.Slice(file.Servers, func(i, j int) bool { return file.Servers[i].Name < file.Servers[j].Name })
	if raw, ok := doc.top["daemonTimeout"]; ok {
		var millis float64
		if err := json.Unmarshal(raw, &millis); err == nil && millis > 0 {
			file.DaemonTimeout = time.Duration(millis) * time.Millisecond
		}
	}
	return file
}

func decodeEntry(name string, raw json.RawMessage) (ServerDescriptor, error) {
	var entry serverEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ServerDescriptor{}, fmt.Errorf("decode: %w", err)
	}
	desc := ServerDescriptor{
		Name:     name,
		Command:  entry.Command,
		Args:     entry.Args,
		Env:      entry.Env,
		Cwd:      entry.Cwd,
		URL:      entry.URL,
		Disabled: entry.Disabled,
	}
	if entry.Type != "" {
		kind, err := ParseKind(entry.Type)
		if err != nil {
			return ServerDescriptor{}, err
		}
		desc.Kind = kind
	} else {
		desc.Kind = DetectKind(entry.URL)
	}
	if err := desc.Validate(); err != nil {
		return ServerDescriptor{}, err
	}
	return desc, nil
}

// ChangedServers returns the names whose descriptors differ between two
// snapshots, including removed and added names, sorted.
func ChangedServers(before, after []ServerDescriptor) []string {
	prev := make(map[string]ServerDescriptor, len(before))
	for _, desc := range before {
		prev[desc.Name] = desc
	}
	changed := map[string]struct{}{}
	for _, desc := range after {
		old, ok := prev[desc.Name]
		delete(prev, desc.Name)
		if !ok || !reflect.DeepEqual(old, desc) {
			changed[desc.Name] = struct{}{}
		}
	}
	for name := range prev {
		changed[name] = struct{}{}
	}
	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
