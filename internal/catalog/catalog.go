// Package catalog holds the process-wide index of known tools. The index
// is seeded at boot from the built-in skill catalogs; skills registered
// later are append-only and a tool id is never redefined. Tools absent
// from the catalog are unknown and treated as blocked by the permission
// engine.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agenticmail/engine/internal/store"
)

// Tool is one immutable catalog entry.
type Tool struct {
	ID          string          `json:"id"`
	SkillID     string          `json:"skillId"`
	Category    string          `json:"category"`
	Risk        store.RiskLevel `json:"risk"`
	SideEffects []string        `json:"sideEffects,omitempty"`
}

// RuntimePolicy is the push-down form handed to an agent runtime.
type RuntimePolicy struct {
	Allow []string `json:"tools.allow,omitempty"`
	Deny  []string `json:"tools.deny,omitempty"`
}

// Catalog indexes tools by id and by skill.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	bySkill map[string][]string
}

// New returns a catalog seeded with the built-in skills.
func New() *Catalog {
	c := &Catalog{
		tools:   make(map[string]Tool),
		bySkill: make(map[string][]string),
	}
	for _, t := range builtinTools {
		c.tools[t.ID] = t
		c.bySkill[t.SkillID] = append(c.bySkill[t.SkillID], t.ID)
	}
	return c
}

// Lookup returns the catalog entry for a tool id.
func (c *Catalog) Lookup(toolID string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[toolID]
	return t, ok
}

// Tools returns every entry sorted by id.
func (c *Catalog) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ToolsBySkill returns the tool ids published by a skill.
func (c *Catalog) ToolsBySkill(skillID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.bySkill[skillID]
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}

// Skills returns the known skill ids.
func (c *Catalog) Skills() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.bySkill))
	for id := range c.bySkill {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RegisterSkill adds a skill's tools to the index. A tool id already
// present keeps its original definition; the conflict is reported but the
// rest of the skill still registers.
func (c *Catalog) RegisterSkill(skillID string, tools []Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var conflict error
	for _, t := range tools {
		t.SkillID = skillID
		if _, exists := c.tools[t.ID]; exists {
			conflict = fmt.Errorf("tool %q already registered", t.ID)
			continue
		}
		c.tools[t.ID] = t
		c.bySkill[skillID] = append(c.bySkill[skillID], t.ID)
	}
	return conflict
}

// ToRuntimePolicy renders allow/deny lists in the runtime's wire form.
func ToRuntimePolicy(allowed, blocked []string) RuntimePolicy {
	return RuntimePolicy{Allow: allowed, Deny: blocked}
}

// riskOrdinals orders risk levels for threshold comparisons.
var riskOrdinals = map[store.RiskLevel]int{
	store.RiskLow:      0,
	store.RiskMedium:   1,
	store.RiskHigh:     2,
	store.RiskCritical: 3,
}

// RiskOrdinal returns the ordinal of a risk level; unknown levels rank
// above critical so they never pass a threshold check.
func RiskOrdinal(r store.RiskLevel) int {
	if n, ok := riskOrdinals[r]; ok {
		return n
	}
	return len(riskOrdinals)
}

// RiskAtMost reports whether r is at or below the max level.
func RiskAtMost(r, max store.RiskLevel) bool {
	return RiskOrdinal(r) <= RiskOrdinal(max)
}
