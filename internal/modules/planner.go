// Copyright (C) 2024 modhost contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modules

import (
	"context"
	"sync"

	"github.com/getoutreach/modhost/internal/domain"
	"github.com/getoutreach/modhost/internal/resolver"
	"github.com/pkg/errors"
)

// InstallationSetResolved is broadcast whenever dependency resolution
// produces a new target installation set for the currently installed
// modules. Downstream supervisors install, update, or remove module
// trees to converge on it.
type InstallationSetResolved struct {
	Modules map[resolver.ModuleIdentifier]resolver.ModuleVersion
}

// InstallationSetConflict is broadcast when no installation set
// satisfies the installed modules' combined version constraints.
type InstallationSetConflict struct {
	Installed map[resolver.ModuleIdentifier]resolver.ModuleVersion
	Reason    string
}

func (e InstallationSetResolved) AggregateID() string { return "installation-set" }
func (e InstallationSetResolved) EventType() string   { return "modules.installation_set_resolved" }
func (e InstallationSetConflict) AggregateID() string { return "installation-set" }
func (e InstallationSetConflict) EventType() string   { return "modules.installation_set_conflict" }

// Publisher broadcasts a domain event to every subscribed handler,
// local and remote. pkg/fabric/dispatch.Dispatcher's Publish method
// satisfies it; the interface lives here so this package stays
// decoupled from the dispatch machinery.
type Publisher interface {
	Publish(ctx context.Context, route string, payload any) error
}

// Planner owns the feedback loop from module lifecycle changes to
// dependency resolution: it tracks Module aggregates, commits and
// broadcasts their pending events, and recomputes the target
// installation set whenever a change affects what is installed or
// which releases exist, broadcasting the outcome as
// InstallationSetResolved or InstallationSetConflict.
type Planner struct {
	oracle resolver.Oracle
	pub    Publisher

	mu      sync.Mutex
	modules map[resolver.ModuleIdentifier]*Module
}

// NewPlanner creates a Planner resolving against oracle and
// broadcasting through pub.
func NewPlanner(oracle resolver.Oracle, pub Publisher) *Planner {
	return &Planner{
		oracle:  oracle,
		pub:     pub,
		modules: map[resolver.ModuleIdentifier]*Module{},
	}
}

// Track registers m with the planner; subsequent replans include its
// installed version. Observe tracks implicitly, so Track only needs
// calling for modules that should count before their first change.
func (p *Planner) Track(m *Module) {
	p.mu.Lock()
	p.modules[m.ID()] = m
	p.mu.Unlock()
}

// Observe commits m's pending events, broadcasts each of them, and --
// when any of them changes the installed set or the known releases --
// recomputes the target installation set. A tombstoned module is
// dropped from tracking.
func (p *Planner) Observe(ctx context.Context, m *Module) error {
	p.Track(m)
	if m.Tombstoned() {
		p.mu.Lock()
		delete(p.modules, m.ID())
		p.mu.Unlock()
	}

	replan := false
	for _, e := range m.Commit() {
		if err := p.pub.Publish(ctx, e.EventType(), e); err != nil {
			return errors.Wrapf(err, "modules: broadcast %s", e.EventType())
		}
		if affectsInstallationSet(e) {
			replan = true
		}
	}

	if !replan {
		return nil
	}
	return p.Replan(ctx)
}

// Replan recomputes the installation set for every tracked module's
// installed version and broadcasts the outcome. An unsatisfiable set
// of constraints is broadcast as InstallationSetConflict, not returned
// as an error; only oracle or publish failures are.
func (p *Planner) Replan(ctx context.Context) error {
	installed := p.installed()

	set, err := resolver.Resolve(ctx, installed, p.oracle)
	switch {
	case err == nil:
		ev := InstallationSetResolved{Modules: set.ToMap()}
		return p.pub.Publish(ctx, ev.EventType(), ev)
	case errors.Is(err, resolver.ErrNoViableSet):
		ev := InstallationSetConflict{Installed: installed, Reason: err.Error()}
		return p.pub.Publish(ctx, ev.EventType(), ev)
	default:
		return err
	}
}

// installed snapshots the tracked modules' installed versions.
func (p *Planner) installed() map[resolver.ModuleIdentifier]resolver.ModuleVersion {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[resolver.ModuleIdentifier]resolver.ModuleVersion, len(p.modules))
	for id, m := range p.modules {
		if v, ok := m.InstalledVersion(); ok {
			out[id] = v
		}
	}
	return out
}

// affectsInstallationSet reports whether e can change the outcome of
// dependency resolution.
func affectsInstallationSet(e domain.Event) bool {
	switch e.(type) {
	case ReleaseAdded, ReleaseRemoved, ModuleInstalled, ModuleVersionChanged, ModuleUninstalled, ModuleRemoved:
		return true
	}
	return false
}
