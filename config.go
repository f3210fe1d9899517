package evictor

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/skipor/evictor/metrics"
)

const DefaultSize = 10

// OperatingMode selects cache policy engine.
type OperatingMode int

const (
	BackgroundSave OperatingMode = iota
	Transactional
)

var modeNames = []string{"background-save", "transactional"}

func (m OperatingMode) String() string {
	if int(m) < len(modeNames) && m >= 0 {
		return modeNames[m]
	}
	return "unknown"
}

func ParseMode(s string) (OperatingMode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return OperatingMode(i), nil
		}
	}
	return 0, errors.Errorf("invalid evictor mode %q", s)
}

func (m OperatingMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *OperatingMode) UnmarshalText(text []byte) (err error) {
	*m, err = ParseMode(string(text))
	return
}

// StrategyKind selects when dirty objects are saved in background save mode.
type StrategyKind int

const (
	// EvictionStrategy saves dirty object, when it is evicted.
	EvictionStrategy StrategyKind = iota
	// IdleStrategy saves dirty object, as soon as no mutating call on it is in progress.
	IdleStrategy
)

var strategyNames = []string{"eviction", "idle"}

func (k StrategyKind) String() string {
	if int(k) < len(strategyNames) && k >= 0 {
		return strategyNames[k]
	}
	return "unknown"
}

func ParseStrategy(s string) (StrategyKind, error) {
	for i, name := range strategyNames {
		if strings.EqualFold(s, name) {
			return StrategyKind(i), nil
		}
	}
	return 0, errors.Errorf("invalid eviction strategy %q", s)
}

func (k StrategyKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StrategyKind) UnmarshalText(text []byte) (err error) {
	*k, err = ParseStrategy(string(text))
	return
}

type Config struct {
	// Size is capacity of every category cache. Zero means unbounded.
	Size     int           `json:"size"`
	Mode     OperatingMode `json:"mode"`
	Strategy StrategyKind  `json:"strategy"`
	// Metrics is optional.
	Metrics metrics.Interface `json:"-"`
}

func DefaultConfig() Config {
	return Config{Size: DefaultSize}
}

func (c Config) Validate() error {
	if c.Size < 0 {
		return errors.Errorf("negative evictor size %v", c.Size)
	}
	if c.Mode != BackgroundSave && c.Mode != Transactional {
		return errors.Errorf("invalid evictor mode %v", int(c.Mode))
	}
	if c.Strategy != EvictionStrategy && c.Strategy != IdleStrategy {
		return errors.Errorf("invalid eviction strategy %v", int(c.Strategy))
	}
	if c.Mode == Transactional && c.Strategy != EvictionStrategy {
		return errors.New("eviction strategy is configurable in background save mode only")
	}
	return nil
}
