// Package manifest handles swarm.toml runtime configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/mailbox"
	"github.com/chazu/swarm/pkg/timer"
	"github.com/chazu/swarm/vm"
	"github.com/chazu/swarm/vm/dist"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "swarm.toml"

// Manifest represents a swarm.toml configuration.
type Manifest struct {
	Project   Project         `toml:"project"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Limits    LimitsConfig    `toml:"limits"`
	Mailbox   MailboxConfig   `toml:"mailbox"`
	Timer     TimerConfig     `toml:"timer"`
	Node      *NodeConfig     `toml:"node"`
	Log       LogConfig       `toml:"log"`

	// Dir is the directory containing the swarm.toml file (set at load time).
	Dir string `toml:"-"`

	capsDefined bool
}

// Project names the program to run and the capabilities of its main block.
type Project struct {
	Name         string   `toml:"name"`
	Entry        string   `toml:"entry"`
	Capabilities []string `toml:"capabilities"`
}

// SchedulerConfig mirrors vm.SchedulerConfig. Zero values keep the
// runtime defaults.
type SchedulerConfig struct {
	MaxBlocks         int   `toml:"max-blocks"`
	DefaultReductions int64 `toml:"default-reductions"`
	NumWorkers        int   `toml:"num-workers"`
	EnableStealing    *bool `toml:"enable-stealing"`
}

// LimitsConfig mirrors vm.Limits.
type LimitsConfig struct {
	MaxHeapSize   int64 `toml:"max-heap-size"`
	MaxStackDepth int   `toml:"max-stack-depth"`
	MaxCallDepth  int   `toml:"max-call-depth"`
	MaxReductions int64 `toml:"max-reductions"`
}

// MailboxConfig sets the default mailbox bound. A limit of 0 is unbounded.
type MailboxConfig struct {
	Limit          *int   `toml:"limit"`
	OverflowPolicy string `toml:"overflow-policy"`
}

// TimerConfig mirrors timer.Config.
type TimerConfig struct {
	WheelSize int   `toml:"wheel-size"`
	TickMs    int64 `toml:"tick-ms"`
}

// NodeConfig enables the node transport when present.
type NodeConfig struct {
	Name         string   `toml:"name"`
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	Cookie       uint64   `toml:"cookie"`
	HeartbeatMs  int64    `toml:"heartbeat-ms"`
	TimeoutMs    int64    `toml:"timeout-ms"`
	BanThreshold int      `toml:"ban-threshold"`
	Allow        []string `toml:"allow"`
	Deny         []string `toml:"deny"`
	Connect      []string `toml:"connect"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Load parses a swarm.toml file from the given directory, applies
// defaults and validates the result.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes manifest text. Unknown keys are an error.
func Parse(text string) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(text, &m)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	m.capsDefined = md.IsDefined("project", "capabilities")
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Project.Entry == "" {
		m.Project.Entry = "main.swbc"
	}
	if m.Mailbox.OverflowPolicy == "" {
		m.Mailbox.OverflowPolicy = mailbox.DropNew.String()
	}
	if m.Node != nil {
		d := dist.DefaultConfig()
		if m.Node.Name == "" {
			m.Node.Name = m.Project.Name
		}
		if m.Node.Name == "" {
			m.Node.Name = d.Name
		}
		if m.Node.Host == "" {
			m.Node.Host = d.Host
		}
		if m.Node.HeartbeatMs == 0 {
			m.Node.HeartbeatMs = d.HeartbeatMs
		}
		if m.Node.TimeoutMs == 0 {
			m.Node.TimeoutMs = d.TimeoutMs
		}
	}
}

// Validate reports every problem found, joined into one error.
func (m *Manifest) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if m.Scheduler.NumWorkers < 0 {
		bad("scheduler.num-workers must be >= 0, got %d", m.Scheduler.NumWorkers)
	}
	if m.Scheduler.MaxBlocks < 0 {
		bad("scheduler.max-blocks must be >= 0, got %d", m.Scheduler.MaxBlocks)
	}
	if m.Scheduler.DefaultReductions < 0 {
		bad("scheduler.default-reductions must be >= 0, got %d", m.Scheduler.DefaultReductions)
	}
	if m.Limits.MaxHeapSize < 0 || m.Limits.MaxStackDepth < 0 || m.Limits.MaxCallDepth < 0 || m.Limits.MaxReductions < 0 {
		bad("limits must not be negative")
	}
	if m.Mailbox.Limit != nil && *m.Mailbox.Limit < 0 {
		bad("mailbox.limit must be >= 0, got %d", *m.Mailbox.Limit)
	}
	if _, err := mailbox.ParsePolicy(m.Mailbox.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if w := m.Timer.WheelSize; w < 0 || w&(w-1) != 0 {
		bad("timer.wheel-size must be a power of two, got %d", w)
	}
	if m.Timer.TickMs < 0 {
		bad("timer.tick-ms must be positive, got %d", m.Timer.TickMs)
	}
	if _, err := capability.Parse(m.Project.Capabilities); err != nil {
		errs = append(errs, err)
	}
	if n := m.Node; n != nil {
		if n.Cookie == 0 {
			errs = append(errs, fmt.Errorf("node.cookie: %w", dist.ErrCookieRequired))
		}
		if n.Port < 0 || n.Port > 65535 {
			bad("node.port out of range: %d", n.Port)
		}
		if n.HeartbeatMs <= 0 || n.TimeoutMs <= 0 {
			bad("node.heartbeat-ms and node.timeout-ms must be positive")
		} else if n.HeartbeatMs >= n.TimeoutMs {
			bad("node.heartbeat-ms (%d) must be below node.timeout-ms (%d)", n.HeartbeatMs, n.TimeoutMs)
		}
		if len(n.Name) > 255 {
			bad("node.name longer than 255 bytes")
		}
	}
	return errors.Join(errs...)
}

// FindAndLoad walks up from startDir to find a swarm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EntryPath returns the absolute path of the program to run.
func (m *Manifest) EntryPath() string {
	if filepath.IsAbs(m.Project.Entry) {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}

// Capabilities returns the capabilities of the main block. A manifest that
// does not mention them grants everything.
func (m *Manifest) Capabilities() capability.Cap {
	if !m.capsDefined {
		return capability.All
	}
	c, _ := capability.Parse(m.Project.Capabilities)
	return c
}

// SchedulerConfig converts the manifest into a vm.SchedulerConfig,
// starting from vm.DefaultSchedulerConfig.
func (m *Manifest) SchedulerConfig() vm.SchedulerConfig {
	cfg := vm.DefaultSchedulerConfig()
	s := m.Scheduler
	if s.MaxBlocks > 0 {
		cfg.MaxBlocks = s.MaxBlocks
	}
	if s.DefaultReductions > 0 {
		cfg.DefaultReductions = s.DefaultReductions
	}
	cfg.NumWorkers = s.NumWorkers
	if s.EnableStealing != nil {
		cfg.EnableStealing = *s.EnableStealing
	}

	l := m.Limits
	if l.MaxHeapSize > 0 {
		cfg.Limits.MaxHeapSize = l.MaxHeapSize
	}
	if l.MaxStackDepth > 0 {
		cfg.Limits.MaxStackDepth = l.MaxStackDepth
	}
	if l.MaxCallDepth > 0 {
		cfg.Limits.MaxCallDepth = l.MaxCallDepth
	}
	if l.MaxReductions > 0 {
		cfg.Limits.MaxReductions = l.MaxReductions
	} else {
		cfg.Limits.MaxReductions = cfg.DefaultReductions
	}
	if m.Mailbox.Limit != nil {
		cfg.Limits.MaxMailboxSize = *m.Mailbox.Limit
	}
	if p, err := mailbox.ParsePolicy(m.Mailbox.OverflowPolicy); err == nil {
		cfg.Limits.MailboxPolicy = p
	}

	if m.Timer.WheelSize > 0 || m.Timer.TickMs > 0 {
		t := timer.DefaultConfig()
		if m.Timer.WheelSize > 0 {
			t.WheelSize = m.Timer.WheelSize
		}
		if m.Timer.TickMs > 0 {
			t.TickMs = m.Timer.TickMs
		}
		cfg.Timer = t
	}
	return cfg
}

// NodeConfig converts the [node] section. ok is false when the section is
// absent.
func (m *Manifest) NodeConfig() (cfg dist.Config, ok bool) {
	n := m.Node
	if n == nil {
		return dist.Config{}, false
	}
	cfg = dist.Config{
		Name:         n.Name,
		Host:         n.Host,
		Port:         n.Port,
		Cookie:       n.Cookie,
		HeartbeatMs:  n.HeartbeatMs,
		TimeoutMs:    n.TimeoutMs,
		BanThreshold: n.BanThreshold,
	}
	if len(n.Allow) > 0 || len(n.Deny) > 0 {
		if len(n.Allow) > 0 {
			cfg.Policy = dist.NewRestrictedPolicy(n.Allow)
		} else {
			cfg.Policy = dist.NewPermissivePolicy()
		}
		for _, name := range n.Deny {
			cfg.Policy.Deny(name)
		}
	}
	return cfg, true
}
