// Package conflict partitions story keys into groups that touch the same
// module and therefore must run sequentially. Groups are the unit of
// parallelism for the implementation orchestrator.
package conflict

import (
	"sort"
	"strings"
)

// Rule maps a story-key prefix to the module it touches.
type Rule struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Module string `yaml:"module" json:"module"`
}

// Group is an ordered run of story keys that share a module.
type Group struct {
	// Module is the matched rule's module, or the story key itself for
	// a key no rule matched.
	Module string
	Keys   []string
}

// Detector matches story keys against an ordered prefix table.
type Detector struct {
	rules []Rule
}

// NewDetector builds a detector from config rules. Rules are tried
// longest-prefix-first; ties keep their config order.
func NewDetector(rules []Rule) *Detector {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Detector{rules: sorted}
}

// ModuleFor returns the module of the most specific rule whose prefix
// matches key, or false when no rule matches.
func (d *Detector) ModuleFor(key string) (string, bool) {
	for _, r := range d.rules {
		if strings.HasPrefix(key, r.Prefix) {
			return r.Module, true
		}
	}
	return "", false
}

// Partition splits keys into conflict groups. Keys sharing a module land
// in one group in input order; an unmatched key becomes its own group.
// Groups are ordered by first appearance.
func (d *Detector) Partition(keys []string) []Group {
	groups := []Group{}
	byModule := map[string]int{}

	for _, key := range keys {
		module, ok := d.ModuleFor(key)
		if !ok {
			groups = append(groups, Group{Module: key, Keys: []string{key}})
			continue
		}
		idx, seen := byModule[module]
		if !seen {
			byModule[module] = len(groups)
			groups = append(groups, Group{Module: module, Keys: []string{key}})
			continue
		}
		groups[idx].Keys = append(groups[idx].Keys, key)
	}

	return groups
}
