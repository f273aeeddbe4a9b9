// Package profile defines the immutable container-composition templates
// sandboxes are created from (spec.md §3 "Profile"). Profiles are
// defined in a static Go map at startup, analogous to the teacher's
// template-to-image map in its createSandbox handler, since spec.md
// leaves open where profiles are sourced from.
package profile

import (
	"fmt"
	"time"

	"github.com/baysh/bay/internal/driver"
	"github.com/baysh/bay/internal/runtime"
)

const ConventionalMountPath = "/workspace"

// ContainerTemplate is one container within a Profile.
type ContainerTemplate struct {
	Name         string
	Image        string
	Role         string
	RuntimeKind  string // "codeexec" | "browser"
	RuntimePort  int
	Env          map[string]string
	MemoryMB     int64
	CPUCores     float64
	Capabilities []runtime.Capability
}

// Profile is an immutable configuration template.
type Profile struct {
	ID                 string
	Containers         []ContainerTemplate
	PrimaryFor         map[runtime.Capability]string // capability -> container name
	IdleTimeoutDefault time.Duration
}

// Capabilities returns the union of capabilities declared across every
// container in the profile.
func (p *Profile) Capabilities() []runtime.Capability {
	seen := map[runtime.Capability]bool{}
	var out []runtime.Capability
	for _, c := range p.Containers {
		for _, cap := range c.Capabilities {
			if !seen[cap] {
				seen[cap] = true
				out = append(out, cap)
			}
		}
	}
	return out
}

// Supports reports whether the profile declares cap at all.
func (p *Profile) Supports(cap runtime.Capability) bool {
	for _, c := range p.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}

// PrimaryContainerFor resolves the container providing cap, falling back
// to the first container that declares it if no explicit primary-for
// mapping exists (spec.md §4.4 "Multi-container capability map").
func (p *Profile) PrimaryContainerFor(cap runtime.Capability) (string, bool) {
	if name, ok := p.PrimaryFor[cap]; ok {
		return name, true
	}
	for _, c := range p.Containers {
		for _, declared := range c.Capabilities {
			if declared == cap {
				return c.Name, true
			}
		}
	}
	return "", false
}

// ToDriverSpecs converts the profile's container templates into driver
// specs ready for Driver.CreateContainer / CreateMulti.
func (p *Profile) ToDriverSpecs() []driver.ContainerSpec {
	specs := make([]driver.ContainerSpec, 0, len(p.Containers))
	for _, c := range p.Containers {
		caps := make([]string, 0, len(c.Capabilities))
		for _, cap := range c.Capabilities {
			caps = append(caps, string(cap))
		}
		specs = append(specs, driver.ContainerSpec{
			Name: c.Name, Image: c.Image, Role: c.Role, RuntimePort: c.RuntimePort,
			Env: c.Env, MemoryMB: c.MemoryMB, CPUCores: c.CPUCores, Capabilities: caps,
		})
	}
	return specs
}

// Registry holds every known profile, keyed by ID.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry seeds the default profiles: a single-container
// code-execution profile and a two-container browser profile, the
// latter exercising the multi-container path end-to-end
// (SPEC_FULL.md §11).
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]*Profile)}

	r.profiles["python-default"] = &Profile{
		ID: "python-default",
		Containers: []ContainerTemplate{
			{
				Name: "code", Image: "bay-codeexec:latest", Role: "primary",
				RuntimeKind: "codeexec", RuntimePort: 7000,
				MemoryMB: 512, CPUCores: 1.0,
				Capabilities: []runtime.Capability{
					runtime.CapExecPython, runtime.CapExecShell,
					runtime.CapFSRead, runtime.CapFSWrite, runtime.CapFSList,
					runtime.CapFSDelete, runtime.CapFSUpload, runtime.CapFSDownload,
				},
			},
		},
		IdleTimeoutDefault: 15 * time.Minute,
	}

	r.profiles["browser-default"] = &Profile{
		ID: "browser-default",
		Containers: []ContainerTemplate{
			{
				Name: "code", Image: "bay-codeexec:latest", Role: "primary",
				RuntimeKind: "codeexec", RuntimePort: 7000,
				MemoryMB: 512, CPUCores: 1.0,
				Capabilities: []runtime.Capability{
					runtime.CapExecPython, runtime.CapExecShell,
					runtime.CapFSRead, runtime.CapFSWrite, runtime.CapFSList,
					runtime.CapFSDelete, runtime.CapFSUpload, runtime.CapFSDownload,
				},
			},
			{
				Name: "browser", Image: "bay-browser:latest", Role: "browser",
				RuntimeKind: "browser", RuntimePort: 7100,
				MemoryMB: 1024, CPUCores: 1.0,
				Capabilities: []runtime.Capability{
					runtime.CapExecBrowser, runtime.CapExecBrowserBatch,
				},
			},
		},
		PrimaryFor: map[runtime.Capability]string{
			runtime.CapExecBrowser:      "browser",
			runtime.CapExecBrowserBatch: "browser",
		},
		IdleTimeoutDefault: 15 * time.Minute,
	}

	return r
}

// Get resolves a profile by id.
func (r *Registry) Get(id string) (*Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile: unknown profile %q", id)
	}
	return p, nil
}

// List returns every registered profile.
func (r *Registry) List() []*Profile {
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}
