// Package profile describes, per platform, which nodes hold posts and text.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
)

// ErrUnknownPlatform is returned when no profile matches
var ErrUnknownPlatform = errors.New("unknown platform")

const (
	// MinPrimaryLength is the minimum trimmed text length for text containers
	MinPrimaryLength = 3
	// MinSupplementaryLength is the minimum for supplementary queries
	MinSupplementaryLength = 4
)

// Query is a candidate-node selector with its text length floor
type Query struct {
	Selector  string `json:"selector" toml:"selector" yaml:"selector"`
	MinLength int    `json:"min_length" toml:"min_length" yaml:"min_length"`
}

// Profile is the static description of one platform
type Profile struct {
	Name                  string
	Hosts                 []string
	PostSelector          string
	TextContainerSelector string
	Supplementary         []Query
}

// Queries returns the primary text-container query followed by the
// supplementary ones
func (p Profile) Queries() []Query {
	queries := []Query{{Selector: p.TextContainerSelector, MinLength: MinPrimaryLength}}
	for _, q := range p.Supplementary {
		if q.MinLength <= 0 {
			q.MinLength = MinSupplementaryLength
		}
		queries = append(queries, q)
	}
	return queries
}

// Validate checks that every selector compiles
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.TextContainerSelector == "" {
		return fmt.Errorf("profile %s: text container selector is required", p.Name)
	}

	selectors := []string{p.TextContainerSelector}
	if p.PostSelector != "" {
		selectors = append(selectors, p.PostSelector)
	}
	for _, q := range p.Supplementary {
		selectors = append(selectors, q.Selector)
	}
	for _, s := range selectors {
		if _, err := cascadia.Compile(s); err != nil {
			return fmt.Errorf("profile %s: invalid selector %q: %w", p.Name, s, err)
		}
	}
	return nil
}

// Registry holds the known profiles
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry creates a registry holding the built-in profiles
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range builtin {
		r.profiles[p.Name] = p
	}
	return r
}

// Register adds or replaces a profile
func (r *Registry) Register(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.profiles[p.Name] = p
	return nil
}

// Get returns the profile called name
func (r *Registry) Get(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return p, nil
}

// Names lists the registered profiles
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect picks the profile whose host pattern occurs in host. host may also
// be a full URL.
func (r *Registry) Detect(host string) (Profile, error) {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)

	for _, name := range r.Names() {
		p := r.profiles[name]
		for _, h := range p.Hosts {
			if strings.Contains(host, h) {
				return p, nil
			}
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, host)
}

// Resolve returns the named profile, or detects one from source when name
// is empty
func (r *Registry) Resolve(name, source string) (Profile, error) {
	if name != "" {
		return r.Get(name)
	}
	return r.Detect(source)
}
