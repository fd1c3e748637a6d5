package bundle

import (
	"github.com/pkg/errors"

	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
)

// Phase is the step a Provider is at.
type Phase int

// The provider phases, in order.
const (
	PhaseCreated Phase = iota
	PhaseResolving
	PhaseAcquiring
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseResolving:
		return "resolving"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseReady:
		return "ready"
	}
	return "unknown"
}

// A Provider resolves one request into the bundles it needs and holds a
// loader for each of them.
type Provider struct {
	op.Base
	m     *Manager
	id    uint64
	key   providerKey
	refs  int
	phase Phase

	manifest *manifest.Manifest
	primary  *Loader
	loaders  []*Loader // primary first
}

func newProvider(m *Manager, id uint64, key providerKey) *Provider {
	p := &Provider{m: m, id: id, key: key}
	p.Group = m.cfg.Group
	p.manifest = m.cfg.Manifest()
	return p
}

// Phase returns the current phase.
func (p *Provider) Phase() Phase { return p.phase }

// Path returns the requested asset or raw file path.
func (p *Provider) Path() string { return p.key.path }

// Kind returns the type of request.
func (p *Provider) Kind() Kind { return p.key.kind }

// Bundles returns the ids of the bundles the provider holds, primary first.
func (p *Provider) Bundles() []string {
	result := make([]string, 0, len(p.loaders))
	for _, l := range p.loaders {
		result = append(result, l.bundle.ID)
	}
	return result
}

func (p *Provider) OnStart() {
	p.phase = PhaseResolving
	if p.manifest == nil {
		p.Fail(errors.New("no manifest loaded"))
		return
	}
	primary, err := p.manifest.ResolvePrimaryBundle(p.key.path)
	if err != nil {
		p.Fail(err)
		return
	}
	if p.key.kind == KindRaw && !primary.Raw {
		p.Failf("%s is in bundle %s, which is not a raw file", p.key.path, primary.ID)
		return
	}
	deps, err := p.manifest.ResolveDependencyClosure(p.key.path)
	if err != nil {
		p.Fail(err)
		return
	}
	p.primary = p.m.acquireLoader(primary)
	p.loaders = append(p.loaders, p.primary)
	for _, b := range deps {
		p.loaders = append(p.loaders, p.m.acquireLoader(b))
	}
	p.phase = PhaseAcquiring
}

func (p *Provider) OnUpdate() {
	var total float64
	var failed *Loader
	done := true
	for _, l := range p.loaders {
		if !l.IsDone() {
			done = false
		} else if failed == nil && l.Status() == op.StatusFailed {
			failed = l
		}
		total += l.Progress()
	}
	if len(p.loaders) > 0 {
		p.SetProgress(total / float64(len(p.loaders)))
	}
	// the provider finishes only once every loader has
	if !done {
		return
	}
	if failed != nil {
		p.Fail(errors.Wrap(failed.Err(), p.key.path))
		return
	}
	p.phase = PhaseReady
	p.Succeed()
}

// OnAbort keeps the loader references. They are given back when the
// provider is destroyed.
func (p *Provider) OnAbort() {}
