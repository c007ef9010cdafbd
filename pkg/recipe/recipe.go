// Package recipe loads quantization recipes: a YAML description of the
// quantization settings to apply, with per-tensor overrides matched by glob
// pattern.
package recipe

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/crush/internal/quant"
)

// Settings are the tunable knobs of one quantization pass. All fields are
// pointers so an override can distinguish "not set" from a zero value.
type Settings struct {
	Bits       *int    `yaml:"bits"`
	GroupSize  *int    `yaml:"group_size"`
	Scheme     *string `yaml:"scheme"`
	DType      *string `yaml:"dtype"`
	FullRange  *bool   `yaml:"full_range"`
	SearchClip *bool   `yaml:"search_clip"`

	DoubleQuant *DoubleQuant `yaml:"double_quant"`
}

// DoubleQuant configures the second pass over the scale tensor. Its
// presence alone enables double quantization.
type DoubleQuant struct {
	Bits      *int    `yaml:"bits"`
	GroupSize *int    `yaml:"group_size"`
	Scheme    *string `yaml:"scheme"`
	DType     *string `yaml:"dtype"`
	ReturnInt *bool   `yaml:"return_int"`
}

// Rule overrides the recipe defaults for tensors whose name matches the
// glob pattern. The first matching rule wins.
type Rule struct {
	Match    string `yaml:"match"`
	Settings `yaml:",inline"`
}

// Recipe is a parsed recipe file: global defaults plus ordered per-tensor
// rules.
type Recipe struct {
	Settings `yaml:",inline"`
	Rules    []Rule `yaml:"rules"`
}

// Load reads and parses a recipe file.
func Load(fpath string) (*Recipe, error) {
	data, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses recipe YAML and validates every rule against the default
// settings, so a bad recipe fails at load time rather than mid-pass.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse recipe: %w", err)
	}
	for i, rule := range r.Rules {
		if rule.Match == "" {
			return nil, fmt.Errorf("rule %d: missing match pattern", i)
		}
		if _, err := path.Match(rule.Match, "probe"); err != nil {
			return nil, fmt.Errorf("rule %d: bad match pattern %q: %w", i, rule.Match, err)
		}
	}
	if _, _, err := r.Resolve("probe"); err != nil {
		return nil, fmt.Errorf("recipe defaults: %w", err)
	}
	for i, rule := range r.Rules {
		if _, _, err := r.resolve(rule.Settings); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Match, err)
		}
	}
	return &r, nil
}

// Resolve produces the quantization config for one tensor name along with
// whether clip search was requested for it. Bits set to 0 in a matching
// rule means the tensor is left unquantized.
func (r *Recipe) Resolve(tensorName string) (quant.Config, bool, error) {
	override := Settings{}
	for _, rule := range r.Rules {
		if ok, _ := path.Match(rule.Match, tensorName); ok {
			override = rule.Settings
			break
		}
	}
	return r.resolve(override)
}

func (r *Recipe) resolve(override Settings) (quant.Config, bool, error) {
	cfg := quant.DefaultConfig()
	searchClip := false
	for _, s := range []Settings{r.Settings, override} {
		if s.Bits != nil {
			cfg.Bits = *s.Bits
		}
		if s.GroupSize != nil {
			cfg.GroupSize = *s.GroupSize
		}
		if s.Scheme != nil {
			scheme, err := quant.ParseScheme(*s.Scheme)
			if err != nil {
				return quant.Config{}, false, err
			}
			cfg.Scheme = scheme
		}
		if s.DType != nil {
			dtype, err := quant.ParseDType(*s.DType)
			if err != nil {
				return quant.Config{}, false, err
			}
			cfg.DType = dtype
		}
		if s.FullRange != nil {
			cfg.FullRange = *s.FullRange
		}
		if s.SearchClip != nil {
			searchClip = *s.SearchClip
		}
		if s.DoubleQuant != nil {
			dq, err := resolveDoubleQuant(s.DoubleQuant)
			if err != nil {
				return quant.Config{}, false, err
			}
			cfg.DoubleQuant = dq
		}
	}
	// whether the weight pass emits integer codes is the caller's choice,
	// not the recipe's, so validate as if it were set whenever the scale
	// pass asks for codes
	probe := cfg
	if dq := cfg.DoubleQuant; dq.Enabled && dq.ReturnInt != nil && *dq.ReturnInt {
		probe.ReturnInt = true
	}
	if err := probe.Validate(); err != nil {
		return quant.Config{}, false, err
	}
	return cfg, searchClip, nil
}

func resolveDoubleQuant(d *DoubleQuant) (quant.DoubleQuantConfig, error) {
	dq := quant.DoubleQuantConfig{Enabled: true}
	if d.Bits != nil {
		dq.Bits = *d.Bits
	}
	if d.GroupSize != nil {
		dq.GroupSize = *d.GroupSize
	}
	if d.Scheme != nil {
		scheme, err := quant.ParseScheme(*d.Scheme)
		if err != nil {
			return quant.DoubleQuantConfig{}, err
		}
		dq.Scheme = scheme
	}
	if d.DType != nil {
		dtype, err := quant.ParseDType(*d.DType)
		if err != nil {
			return quant.DoubleQuantConfig{}, err
		}
		dq.DType = dtype
	}
	dq.ReturnInt = d.ReturnInt
	return dq, nil
}
