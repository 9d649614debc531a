package wsoc

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/taskcluster/wsoc/pathtemplate"
)

// Match is the result of resolving a request path.
type Match struct {
	Config *EndpointConfig
	Params map[string]string
}

// Manager is the registry of endpoints served by a Container. Registration
// is allowed until SealRegistry is called; lookups are allowed at any time.
type Manager struct {
	mu        sync.RWMutex
	sealed    bool
	byPath    map[string]*EndpointConfig
	templates []*EndpointConfig
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{byPath: map[string]*EndpointConfig{}}
}

// AddEndpoint registers cfg. Registering the same implementation type at an
// equivalent path again is a no-op.
func (m *Manager) AddEndpoint(cfg *EndpointConfig) error {
	if cfg == nil {
		return errors.Wrap(ErrIllegalArgument, "nil endpoint config")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return errors.Wrapf(ErrIllegalState, "registry is sealed; cannot add %s", cfg.Path())
	}
	key := cfg.template.Normalized()
	if existing, ok := m.byPath[key]; ok {
		if existing.implType == cfg.implType {
			return nil
		}
		return errors.Wrapf(ErrDuplicateURI, "%s conflicts with %s", cfg, existing)
	}
	m.byPath[key] = cfg
	if !cfg.template.IsLiteral() {
		m.templates = append(m.templates, cfg)
		sortTemplates(m.templates)
	}
	return nil
}

// AddEndpointType registers prototype's type at path with default settings.
func (m *Manager) AddEndpointType(path string, prototype Endpoint) error {
	cfg, err := NewEndpointConfigBuilder(path, prototype).Build()
	if err != nil {
		return err
	}
	return m.AddEndpoint(cfg)
}

// SealRegistry forbids further registration. It cannot be undone.
func (m *Manager) SealRegistry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

func (m *Manager) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

// Resolve finds the endpoint for a request path. Literal paths win over
// templates; among templates, more literal leading segments win, then
// templates without a tail.
func (m *Manager) Resolve(requestPath string) (*Match, error) {
	clean := pathtemplate.Clean(requestPath)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if cfg, ok := m.byPath[clean]; ok && cfg.template.IsLiteral() {
		return &Match{Config: cfg, Params: map[string]string{}}, nil
	}
	for _, cfg := range m.templates {
		if params, ok := cfg.template.Match(clean); ok {
			return &Match{Config: cfg, Params: params}, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "%s", clean)
}

// Clear drops every registration. The sealed flag is kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPath = map[string]*EndpointConfig{}
	m.templates = nil
}

// Endpoints returns the registered configs sorted by path.
func (m *Manager) Endpoints() []*EndpointConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*EndpointConfig, 0, len(m.byPath))
	for _, cfg := range m.byPath {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Path() < out[j].Path()
	})
	return out
}

func sortTemplates(templates []*EndpointConfig) {
	sort.SliceStable(templates, func(i, j int) bool {
		a, b := templates[i].template, templates[j].template
		if a.LiteralPrefixLen() != b.LiteralPrefixLen() {
			return a.LiteralPrefixLen() > b.LiteralPrefixLen()
		}
		if a.HasTail() != b.HasTail() {
			return !a.HasTail()
		}
		return a.Normalized() < b.Normalized()
	})
}
