// Package routing decides which backend domains a caller may reach.
package routing

import (
	"slices"
	"strings"
)

// DefaultOverrideRole reaches every domain regardless of requiredRoles.
const DefaultOverrideRole = "executive"

type DomainConfig struct {
	Name          string   `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Endpoint      string   `yaml:"endpoint" json:"endpoint" validate:"required,url"`
	RequiredRoles []string `yaml:"requiredRoles" json:"requiredRoles" validate:"required,min=1,dive,required"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// Decision partitions the configured domains. Every domain appears in exactly
// one of the two slices, in registry order.
type Decision struct {
	Accessible []DomainConfig
	Denied     []DomainConfig
}

func (d Decision) AccessibleNames() []string { return names(d.Accessible) }

func (d Decision) DeniedNames() []string { return names(d.Denied) }

func names(ds []DomainConfig) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Name)
	}
	return out
}

// Router is immutable after construction and safe for concurrent use.
type Router struct {
	domains   []DomainConfig
	byName    map[string]DomainConfig
	overrides map[string]struct{}
}

// NewRouter copies domains. With no override roles, DefaultOverrideRole
// applies; pass an explicit empty string to disable overrides.
func NewRouter(domains []DomainConfig, overrideRoles ...string) *Router {
	if overrideRoles == nil {
		overrideRoles = []string{DefaultOverrideRole}
	}
	r := &Router{
		domains:   make([]DomainConfig, 0, len(domains)),
		byName:    make(map[string]DomainConfig, len(domains)),
		overrides: map[string]struct{}{},
	}
	for _, d := range domains {
		d.RequiredRoles = slices.Clone(d.RequiredRoles)
		r.domains = append(r.domains, d)
		r.byName[d.Name] = d
	}
	for _, role := range overrideRoles {
		if role = normalize(role); role != "" {
			r.overrides[role] = struct{}{}
		}
	}
	return r
}

// AccessibleDomains is pure: the same roles always yield the same Decision.
func (r *Router) AccessibleDomains(roles []string) Decision {
	held := make(map[string]struct{}, len(roles))
	override := false
	for _, role := range roles {
		role = normalize(role)
		held[role] = struct{}{}
		if _, ok := r.overrides[role]; ok {
			override = true
		}
	}
	var d Decision
	for _, dom := range r.domains {
		if override || intersects(held, dom.RequiredRoles) {
			d.Accessible = append(d.Accessible, dom)
		} else {
			d.Denied = append(d.Denied, dom)
		}
	}
	return d
}

func (r *Router) Domain(name string) (DomainConfig, bool) {
	d, ok := r.byName[name]
	return d, ok
}

func (r *Router) Domains() []DomainConfig {
	return slices.Clone(r.domains)
}

func intersects(held map[string]struct{}, required []string) bool {
	for _, role := range required {
		if _, ok := held[normalize(role)]; ok {
			return true
		}
	}
	return false
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
