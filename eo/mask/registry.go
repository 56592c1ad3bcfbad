package mask

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

//go:embed collections.yaml
var defaultCatalogue []byte

// MaskDef configures the provider of a collection. Rules and Expression are
// mutually exclusive; neither means no masking.
type MaskDef struct {
	Rules      []Rule `yaml:"rules"`
	Expression string `yaml:"expression"`
}

// Collection describes one supported image collection.
type Collection struct {
	Name          string       `yaml:"name"`
	PlatformID    string       `yaml:"platform_id"`
	Description   string       `yaml:"description"`
	Bands         []model.Band `yaml:"bands"`
	MedoidBands   []string     `yaml:"medoid_bands"`
	ScoreDistance float64      `yaml:"score_distance"`
	Mask          MaskDef      `yaml:"mask"`
}

// BandSpecs converts the collection bands, or the named subset, to raster
// band specs.
func (c Collection) BandSpecs(names ...string) ([]raster.BandSpec, error) {
	var out []raster.BandSpec
	pick := c.Bands
	if len(names) > 0 {
		pick = nil
		for _, n := range names {
			b, ok := c.band(n)
			if !ok {
				return nil, fmt.Errorf("mask: collection %s has no band %q", c.Name, n)
			}
			pick = append(pick, b)
		}
	}
	for _, b := range pick {
		dt, err := raster.ParseDType(b.DType)
		if err != nil {
			return nil, fmt.Errorf("mask: collection %s band %s: %w", c.Name, b.Name, err)
		}
		out = append(out, raster.BandSpec{Name: b.Name, DType: dt, Description: b.Description})
	}
	return out, nil
}

// MaskBands lists the bands the mask needs in addition to the requested ones.
func (c Collection) MaskBands() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range c.Mask.Rules {
		if !seen[r.Band] {
			seen[r.Band] = true
			out = append(out, r.Band)
		}
	}
	if c.Mask.Expression != "" {
		if e, err := NewExpression(c.Mask.Expression); err == nil {
			for _, b := range e.Bands() {
				if !seen[b] {
					seen[b] = true
					out = append(out, b)
				}
			}
		}
	}
	return out
}

func (c Collection) band(name string) (model.Band, bool) {
	for _, b := range c.Bands {
		if b.Name == name {
			return b, true
		}
	}
	return model.Band{}, false
}

// provider builds the collection's provider, scored when ScoreDistance > 0.
func (c Collection) provider() (Provider, error) {
	var p Provider
	switch {
	case len(c.Mask.Rules) > 0 && c.Mask.Expression != "":
		return nil, fmt.Errorf("mask: collection %s sets both rules and expression", c.Name)
	case len(c.Mask.Rules) > 0:
		b, err := NewBitMask(c.Mask.Rules...)
		if err != nil {
			return nil, fmt.Errorf("mask: collection %s: %w", c.Name, err)
		}
		p = b
	case c.Mask.Expression != "":
		e, err := NewExpression(c.Mask.Expression)
		if err != nil {
			return nil, fmt.Errorf("mask: collection %s: %w", c.Name, err)
		}
		p = e
	default:
		p = NoOp{}
	}
	if c.ScoreDistance > 0 {
		p = WithScore(p, c.ScoreDistance)
	}
	return p, nil
}

type catalogueFile struct {
	Collections []Collection `yaml:"collections"`
}

// Registry maps collection names, and platform collection IDs, to their
// definitions and mask providers. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]Collection
	providers   map[string]Provider
	aliases     map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		collections: map[string]Collection{},
		providers:   map[string]Provider{},
		aliases:     map[string]string{},
	}
}

// DefaultRegistry loads the embedded catalogue.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.Load(defaultCatalogue); err != nil {
		return nil, err
	}
	return r, nil
}

// Load adds every collection of a YAML catalogue.
func (r *Registry) Load(data []byte) error {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("mask: parse catalogue: %w", err)
	}
	for _, c := range file.Collections {
		if err := r.AddCollection(c); err != nil {
			return err
		}
	}
	return nil
}

// AddCollection registers c and the provider its mask definition describes.
func (r *Registry) AddCollection(c Collection) error {
	if c.Name == "" {
		return fmt.Errorf("mask: collection without a name")
	}
	p, err := c.provider()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[c.Name] = c
	r.providers[c.Name] = p
	if c.PlatformID != "" {
		r.aliases[c.PlatformID] = c.Name
	}
	return nil
}

// Register sets the provider of a collection, replacing any default.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[r.resolve(name)] = p
}

// resolve maps a platform ID to the collection name. Callers hold mu.
func (r *Registry) resolve(name string) string {
	if n, ok := r.aliases[name]; ok {
		return n
	}
	return name
}

// Collection looks up a collection by name or platform ID.
func (r *Registry) Collection(name string) (Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[r.resolve(name)]
	return c, ok
}

// Provider returns the provider for a collection. Unknown collections get
// NoOp.
func (r *Registry) Provider(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[r.resolve(name)]; ok {
		return p
	}
	return NoOp{}
}

// ProviderFor returns the provider for the collection an image belongs to.
func (r *Registry) ProviderFor(img model.Image) Provider {
	name := img.Collection
	if name == "" {
		if i := strings.LastIndex(img.ID, "/"); i > 0 {
			name = img.ID[:i]
		}
	}
	return r.Provider(name)
}

// Names lists the registered collections, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.collections))
	for n := range r.collections {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
