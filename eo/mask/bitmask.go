package mask

import (
	"context"
	"fmt"
	"strconv"

	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// Kind is what a matching rule says about a pixel.
type Kind string

const (
	// KindFill marks pixels outside the image footprint.
	KindFill Kind = "fill"
	// KindCloud marks cloudy pixels.
	KindCloud Kind = "cloud"
	// KindShadow marks cloud shadow.
	KindShadow Kind = "shadow"
)

// Rule is a test against the integer value of a QA band. Value is a binary
// string matched when any of its bits is set; BitTests holds binary
// filter/value pairs matched when (qa & filter) == value.
type Rule struct {
	Band     string   `yaml:"band"`
	Kind     Kind     `yaml:"kind"`
	Value    string   `yaml:"value"`
	BitTests []string `yaml:"bit_tests"`
}

type compiledRule struct {
	band  string
	kind  Kind
	any   uint64
	pairs [][2]uint64
}

func (r compiledRule) match(v uint64) bool {
	if r.any != 0 {
		return v&r.any != 0
	}
	for _, p := range r.pairs {
		if v&p[0] == p[1] {
			return true
		}
	}
	return false
}

func compileRule(r Rule) (compiledRule, error) {
	c := compiledRule{band: r.Band, kind: r.Kind}
	if r.Band == "" {
		return c, fmt.Errorf("mask: rule has no band")
	}
	switch r.Kind {
	case KindFill, KindCloud, KindShadow:
	default:
		return c, fmt.Errorf("mask: unknown rule kind %q", r.Kind)
	}
	if r.Value != "" {
		v, err := strconv.ParseUint(r.Value, 2, 64)
		if err != nil {
			return c, fmt.Errorf("mask: rule value %q: %w", r.Value, err)
		}
		if v == 0 {
			return c, fmt.Errorf("mask: rule value %q selects no bits", r.Value)
		}
		c.any = v
		return c, nil
	}
	if len(r.BitTests) == 0 {
		return c, fmt.Errorf("mask: specify either value or bit_tests for band %s", r.Band)
	}
	if len(r.BitTests)%2 != 0 {
		return c, fmt.Errorf("mask: bit_tests for band %s must be in pairs", r.Band)
	}
	for i := 0; i < len(r.BitTests); i += 2 {
		filter, err := strconv.ParseUint(r.BitTests[i], 2, 64)
		if err != nil {
			return c, fmt.Errorf("mask: bit test filter %q: %w", r.BitTests[i], err)
		}
		value, err := strconv.ParseUint(r.BitTests[i+1], 2, 64)
		if err != nil {
			return c, fmt.Errorf("mask: bit test value %q: %w", r.BitTests[i+1], err)
		}
		c.pairs = append(c.pairs, [2]uint64{filter, value})
	}
	return c, nil
}

// BitMask interprets QA bit flags. A pixel is valid when it is filled and no
// cloud or shadow rule matches.
type BitMask struct {
	rules []compiledRule
	// NoDataInvalid treats pixels where every rendered band holds nodata as
	// fill.
	NoDataInvalid bool
}

// NewBitMask compiles rules into a provider.
func NewBitMask(rules ...Rule) (*BitMask, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("mask: no bit mask rules")
	}
	b := &BitMask{NoDataInvalid: true}
	for _, r := range rules {
		c, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		b.rules = append(b.rules, c)
	}
	return b, nil
}

// Bands lists the QA bands the rules read.
func (b *BitMask) Bands() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range b.rules {
		if !seen[r.band] {
			seen[r.band] = true
			out = append(out, r.band)
		}
	}
	return out
}

// ComputeMask implements Provider.
func (b *BitMask) ComputeMask(ctx context.Context, _ model.Image, pixels *raster.Raster) (*Mask, error) {
	idx := make([]int, len(b.rules))
	for i, r := range b.rules {
		idx[i] = pixels.Spec.BandIndex(r.band)
		if idx[i] < 0 {
			return nil, fmt.Errorf("mask: QA band %q not rendered", r.band)
		}
	}
	m := New(pixels.Spec)
	m.Filled = make([]bool, len(m.Valid))
	n := pixels.Pixels()
	for p := 0; p < n; p++ {
		if p%(1<<16) == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		filled := !b.NoDataInvalid || filledAt(pixels, p)
		obscured := false
		for i, r := range b.rules {
			if !r.match(uint64(int64(pixels.Value(idx[i], p)))) {
				continue
			}
			if r.kind == KindFill {
				filled = false
			} else {
				obscured = true
			}
		}
		m.Filled[p] = filled
		m.Valid[p] = filled && !obscured
	}
	return m, nil
}

// Landsat returns the QA_PIXEL rules for Landsat collection 2 level 2. When
// aerosol is true, high aerosol levels from SR_QA_AEROSOL (Landsat 8) also
// count as cloud.
func Landsat(aerosol bool) *BitMask {
	rules := []Rule{
		{Band: "QA_PIXEL", Kind: KindFill, Value: "1"},
		{Band: "QA_PIXEL", Kind: KindCloud, Value: "1110"},
		{Band: "QA_PIXEL", Kind: KindShadow, Value: "10000"},
	}
	if aerosol {
		rules = append(rules, Rule{Band: "SR_QA_AEROSOL", Kind: KindCloud, BitTests: []string{"11000000", "11000000"}})
	}
	b, err := NewBitMask(rules...)
	if err != nil {
		panic(err)
	}
	return b
}

// Sentinel2QA60 returns the opaque and cirrus cloud rules for QA60.
func Sentinel2QA60() *BitMask {
	b, err := NewBitMask(Rule{Band: "QA60", Kind: KindCloud, Value: "110000000000"})
	if err != nil {
		panic(err)
	}
	return b
}
