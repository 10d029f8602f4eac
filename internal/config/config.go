// Package config is the sender's configuration surface (§6): a YAML-
// loadable, pflag-overridable struct whose fields become immutable once
// bound, enforced by a Builder that walks the builder → bound → open →
// closed lifecycle of Transport State (T).
package config

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"
	"gopkg.in/yaml.v3"

	"github.com/pgmsend/core/internal/pgmerr"
)

// State is a Transport State lifecycle stage.
type State int

const (
	StateBuilder State = iota
	StateBound
	StateOpen
	StateClosed
)

// Config is the pre-bind configuration surface of §6.
type Config struct {
	SourcePort       uint16 `yaml:"source_port"`
	DestPort         uint16 `yaml:"dest_port"`
	MulticastGroup   string `yaml:"multicast_group"`
	NetworkInterface string `yaml:"network_interface"`

	AmbientSPMInterval    time.Duration   `yaml:"ambient_spm_interval"`
	HeartbeatSPMIntervals []time.Duration `yaml:"heartbeat_spm_intervals"`

	TxwPreallocate uint32 `yaml:"txw_preallocate"`
	TxwSqns        uint32 `yaml:"txw_sqns"`
	// TxwSecs, when nonzero, sizes the window by time instead of raw sqn
	// count: effective capacity becomes txw_secs*txw_max_rte/max_tpdu
	// packets, taking whichever of that and txw_sqns is larger.
	TxwSecs   uint32 `yaml:"txw_secs"`
	TxwMaxRte uint64 `yaml:"txw_max_rte"`

	UseOndemandParity  bool `yaml:"use_ondemand_parity"`
	UseProactiveParity bool `yaml:"use_proactive_parity"`
	RSN                uint8 `yaml:"rs_n"`
	RSK                uint8 `yaml:"rs_k"`

	MaxTPDU int `yaml:"max_tpdu"`

	// GSI defaults to the low 6 bytes of a freshly generated xid if left
	// zero at Bind time, giving every unconfigured sender a distinct
	// identity without requiring the operator to pick one.
	GSI [6]byte `yaml:"-"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config with the values used by the walkthrough
// scenarios of §8: a modest window, generous rate limit, and a short
// heartbeat decay before falling back to ambient cadence.
func Default() Config {
	return Config{
		SourcePort:            7500,
		DestPort:               7500,
		AmbientSPMInterval:    time.Second,
		HeartbeatSPMIntervals: []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 0},
		TxwPreallocate:        32,
		TxwSqns:               1024,
		TxwMaxRte:             10_000_000,
		MaxTPDU:               1500,
		RSN:                   0,
		RSK:                   0,
	}
}

func validate(c Config) error {
	if c.AmbientSPMInterval <= 0 {
		return fmt.Errorf("config: %w: ambient_spm_interval must be > 0", pgmerr.ErrInvalid)
	}
	for i, iv := range c.HeartbeatSPMIntervals {
		if i == 0 || i == len(c.HeartbeatSPMIntervals)-1 {
			continue // index 0 and the sentinel are both conventionally 0
		}
		if iv <= 0 {
			return fmt.Errorf("config: %w: heartbeat_spm_intervals[%d] must be > 0", pgmerr.ErrInvalid, i)
		}
	}
	if c.TxwSqns == 0 || c.TxwSqns >= 1<<31-1 {
		return fmt.Errorf("config: %w: txw_sqns out of range", pgmerr.ErrInvalid)
	}
	if c.TxwPreallocate == 0 || c.TxwPreallocate > c.TxwSqns {
		return fmt.Errorf("config: %w: txw_preallocate must be in (0, txw_sqns]", pgmerr.ErrInvalid)
	}
	if c.TxwSecs != 0 && c.TxwMaxRte == 0 {
		return fmt.Errorf("config: %w: txw_secs requires txw_max_rte to derive a window size", pgmerr.ErrInvalid)
	}
	if c.MulticastGroup != "" && net.ParseIP(c.MulticastGroup) == nil {
		return fmt.Errorf("config: %w: multicast_group %q is not a valid IP", pgmerr.ErrInvalid, c.MulticastGroup)
	}
	if (c.RSN == 0) != (c.RSK == 0) {
		return fmt.Errorf("config: %w: rs_n and rs_k must both be zero or both nonzero", pgmerr.ErrInvalid)
	}
	if c.RSN != 0 && c.RSK >= c.RSN {
		return fmt.Errorf("config: %w: rs_k must be less than rs_n", pgmerr.ErrInvalid)
	}
	if c.RSN != 0 && c.RSK&(c.RSK-1) != 0 {
		return fmt.Errorf("config: %w: rs_k must be a power of two", pgmerr.ErrInvalid)
	}
	return nil
}

// LoadFile reads a YAML configuration file on top of Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Builder enforces that Config is immutable once bound: Set fails with
// pgmerr.ErrAlreadyBound after Bind has been called.
type Builder struct {
	mu    sync.Mutex
	cfg   Config
	state State
}

// NewBuilder starts from Default().
func NewBuilder() *Builder {
	return &Builder{cfg: Default(), state: StateBuilder}
}

// NewBuilderFrom starts from an already-loaded Config, e.g. from
// LoadFile or from CLI flag overrides.
func NewBuilderFrom(cfg Config) *Builder {
	return &Builder{cfg: cfg, state: StateBuilder}
}

// Set applies fn to the in-progress configuration. It fails with
// pgmerr.ErrAlreadyBound once Bind has already run.
func (b *Builder) Set(fn func(*Config)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBuilder {
		return fmt.Errorf("config: %w: configuration is immutable once bound", pgmerr.ErrAlreadyBound)
	}
	fn(&b.cfg)
	return nil
}

// Bind validates the accumulated configuration, fills in a default GSI
// if none was set, and transitions the builder to Bound. It is only
// callable once.
func (b *Builder) Bind() (Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBuilder {
		return Config{}, fmt.Errorf("config: %w: already bound", pgmerr.ErrAlreadyBound)
	}
	if b.cfg.GSI == ([6]byte{}) {
		id := xid.New()
		copy(b.cfg.GSI[:], id.Bytes()[6:])
	}
	if err := validate(b.cfg); err != nil {
		return Config{}, err
	}
	b.state = StateBound
	return b.cfg, nil
}

// State reports the builder's current lifecycle stage.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
