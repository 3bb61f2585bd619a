// Package routing chooses the next move from the closed vocabulary:
// CONTINUE, LOOP, DETOUR, INJECT_FLOW, ESCALATE, TERMINATE. Deterministic
// fast paths are consulted first; a bounded navigator advises only when no
// fast path fires, and anything it says outside the vocabulary becomes
// ESCALATE. The router never guesses.
package routing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/EffortlessMetrics/docket/internal/errclass"
)

// defaultDetourAttempts bounds how often the same detour may run for one
// step before the router escalates instead.
const defaultDetourAttempts = 2

// CatalogEntry maps a failure signature prefix to its remediation.
type CatalogEntry struct {
	SignaturePrefix string `yaml:"signature_prefix"`
	Skill           string `yaml:"skill,omitempty"`
	Agent           string `yaml:"agent,omitempty"`
	// Run is the command a skill detour executes. Defaults to the skill name.
	Run         string `yaml:"run,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
}

// Command returns the executable form of a skill detour.
func (e *CatalogEntry) Command() string {
	if e.Run != "" {
		return e.Run
	}
	return e.Skill
}

// Target names the remediation side of the mapping.
func (e *CatalogEntry) Target() string {
	if e.Skill != "" {
		return e.Skill
	}
	return e.Agent
}

// Attempts returns the per-step attempt bound for this detour.
func (e *CatalogEntry) Attempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return defaultDetourAttempts
}

// Catalog is the declared table of known failure signatures and where to
// detour when one recurs.
type Catalog struct {
	Entries []CatalogEntry `yaml:"detours"`
}

// LoadCatalog reads the detour table from YAML. A missing file yields an
// empty catalog: no known signatures, everything unknown escalates.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("read detour catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse detour catalog %s: %w", path, err)
	}
	for i, e := range c.Entries {
		if e.SignaturePrefix == "" {
			return nil, fmt.Errorf("detour catalog %s: entry %d has no signature_prefix", path, i)
		}
		if e.Target() == "" {
			return nil, fmt.Errorf("detour catalog %s: entry %q maps to nothing", path, e.SignaturePrefix)
		}
	}
	return &c, nil
}

// ByTarget returns the entry whose remediation is target, or nil. The
// scheduler uses it to turn a DETOUR decision back into something runnable.
func (c *Catalog) ByTarget(target string) *CatalogEntry {
	if c == nil {
		return nil
	}
	for i := range c.Entries {
		if c.Entries[i].Target() == target {
			return &c.Entries[i]
		}
	}
	return nil
}

// Match returns the first entry whose prefix matches the signature, or nil.
func (c *Catalog) Match(signature string) *CatalogEntry {
	if c == nil {
		return nil
	}
	plain := errclass.SignaturePrefix(signature)
	for i := range c.Entries {
		if strings.HasPrefix(plain, c.Entries[i].SignaturePrefix) {
			return &c.Entries[i]
		}
	}
	return nil
}
