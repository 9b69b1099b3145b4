package clinical

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed thresholds.yaml
var defaultThresholds []byte

const (
	KindVital = "vital"
	KindLab   = "lab"
)

// Worsening names the direction of change that is clinically adverse.
type Worsening string

const (
	WorsensRising  Worsening = "rising"
	WorsensFalling Worsening = "falling"
	WorsensBoth    Worsening = "both"
)

var ErrInvalidThresholds = errors.New("invalid threshold table")

// Band is an inclusive range. A nil bound is open on that side.
type Band struct {
	Low  *float64 `yaml:"low" json:"low,omitempty"`
	High *float64 `yaml:"high" json:"high,omitempty"`
}

func (b Band) above(v float64) bool { return b.High != nil && v > *b.High }
func (b Band) below(v float64) bool { return b.Low != nil && v < *b.Low }

type Parameter struct {
	Key         string    `yaml:"key" json:"key"`
	Label       string    `yaml:"label" json:"label"`
	Unit        string    `yaml:"unit" json:"unit"`
	Kind        string    `yaml:"kind" json:"kind"`
	Normal      Band      `yaml:"normal" json:"normal"`
	Critical    Band      `yaml:"critical" json:"critical"`
	Worsens     Worsening `yaml:"worsens" json:"worsens"`
	MinDelta    float64   `yaml:"minDelta" json:"minDelta"`
	ConcernHigh string    `yaml:"concernHigh" json:"concernHigh,omitempty"`
	ConcernLow  string    `yaml:"concernLow" json:"concernLow,omitempty"`
}

// concern returns the concern for a deviation in the given direction,
// falling back to the other side when only one is configured.
func (p *Parameter) concern(high bool) string {
	first, second := p.ConcernLow, p.ConcernHigh
	if high {
		first, second = second, first
	}
	if first != "" {
		return first
	}
	return second
}

type Concern struct {
	Title          string   `yaml:"title" json:"title"`
	Description    string   `yaml:"description" json:"description"`
	Considerations []string `yaml:"considerations" json:"considerations"`
	Prompts        []string `yaml:"prompts" json:"prompts"`
}

// Thresholds is the versioned table of parameter bands and the clinical
// concerns they map to. Parameter order is the table order.
type Thresholds struct {
	Version    string             `yaml:"version" json:"version"`
	Parameters []Parameter        `yaml:"parameters" json:"parameters"`
	Concerns   map[string]Concern `yaml:"concerns" json:"concerns"`

	byKey map[string]*Parameter
}

// DefaultThresholds returns the built-in table.
func DefaultThresholds() (*Thresholds, error) {
	return ParseThresholds(defaultThresholds)
}

// LoadThresholds reads a table from path, or returns the built-in table
// when path is empty.
func LoadThresholds(path string) (*Thresholds, error) {
	if path == "" {
		return DefaultThresholds()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds %s: %w", path, err)
	}
	return ParseThresholds(data)
}

func ParseThresholds(data []byte) (*Thresholds, error) {
	var t Thresholds
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThresholds, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the table and builds the key index.
func (t *Thresholds) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidThresholds)
	}
	if len(t.Parameters) == 0 {
		return fmt.Errorf("%w: no parameters defined", ErrInvalidThresholds)
	}

	t.byKey = make(map[string]*Parameter, len(t.Parameters))
	for i := range t.Parameters {
		p := &t.Parameters[i]
		if err := t.validateParameter(p); err != nil {
			return fmt.Errorf("%w: parameter %q: %v", ErrInvalidThresholds, p.Key, err)
		}
		if _, dup := t.byKey[p.Key]; dup {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalidThresholds, p.Key)
		}
		t.byKey[p.Key] = p
	}
	return nil
}

func (t *Thresholds) validateParameter(p *Parameter) error {
	if p.Key == "" {
		return errors.New("key is required")
	}
	if p.Kind != KindVital && p.Kind != KindLab {
		return fmt.Errorf("kind must be %s or %s", KindVital, KindLab)
	}
	if p.Label == "" {
		p.Label = p.Key
	}
	if p.Normal.Low == nil && p.Normal.High == nil {
		return errors.New("normal band needs at least one bound")
	}
	if p.Normal.Low != nil && p.Normal.High != nil && *p.Normal.Low > *p.Normal.High {
		return errors.New("normal.low is above normal.high")
	}
	if p.Critical.Low != nil && (p.Normal.Low == nil || *p.Critical.Low > *p.Normal.Low) {
		return errors.New("critical.low must sit at or below normal.low")
	}
	if p.Critical.High != nil && (p.Normal.High == nil || *p.Critical.High < *p.Normal.High) {
		return errors.New("critical.high must sit at or above normal.high")
	}
	switch p.Worsens {
	case WorsensRising, WorsensFalling, WorsensBoth:
	default:
		return fmt.Errorf("worsens must be rising, falling or both, got %q", p.Worsens)
	}
	if p.MinDelta < 0 {
		return errors.New("minDelta cannot be negative")
	}
	for _, c := range []string{p.ConcernHigh, p.ConcernLow} {
		if c == "" {
			continue
		}
		if _, ok := t.Concerns[c]; !ok {
			return fmt.Errorf("unknown concern %q", c)
		}
	}
	return nil
}

// Parameter looks up a parameter by its entry field name.
func (t *Thresholds) Parameter(key string) (*Parameter, bool) {
	p, ok := t.byKey[key]
	return p, ok
}
