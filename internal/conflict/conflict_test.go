package conflict

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func testRules() []Rule {
	return []Rule{
		{Prefix: "10-", Module: "pipeline"},
		{Prefix: "10-1", Module: "compiled-workflows"},
		{Prefix: "10-4", Module: "implementation-orchestrator"},
	}
}

func TestModuleFor_MostSpecificWins(t *testing.T) {
	d := NewDetector(testRules())

	tests := []struct {
		key        string
		wantModule string
		wantOK     bool
	}{
		{"10-1", "compiled-workflows", true},
		{"10-1-fix", "compiled-workflows", true},
		{"10-4-impl-orch", "implementation-orchestrator", true},
		{"10-2", "pipeline", true},
		{"11-1", "", false},
	}

	for _, tt := range tests {
		module, ok := d.ModuleFor(tt.key)
		if module != tt.wantModule || ok != tt.wantOK {
			t.Errorf("ModuleFor(%q) = (%q, %v), want (%q, %v)",
				tt.key, module, ok, tt.wantModule, tt.wantOK)
		}
	}
}

func TestModuleFor_EqualLengthKeepsConfigOrder(t *testing.T) {
	d := NewDetector([]Rule{
		{Prefix: "10-", Module: "first"},
		{Prefix: "10-", Module: "second"},
	})

	module, ok := d.ModuleFor("10-3")
	if !ok || module != "first" {
		t.Errorf("ModuleFor = (%q, %v), want (first, true)", module, ok)
	}
}

func TestPartition(t *testing.T) {
	d := NewDetector(testRules())
	keys := []string{"10-1", "10-4-impl-orch", "10-2", "10-1-fix", "11-9"}

	groups := d.Partition(keys)
	want := []Group{
		{Module: "compiled-workflows", Keys: []string{"10-1", "10-1-fix"}},
		{Module: "implementation-orchestrator", Keys: []string{"10-4-impl-orch"}},
		{Module: "pipeline", Keys: []string{"10-2"}},
		{Module: "11-9", Keys: []string{"11-9"}},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("Partition = %+v, want %+v", groups, want)
	}
}

func TestPartition_NoRulesAllSingletons(t *testing.T) {
	d := NewDetector(nil)
	groups := d.Partition([]string{"a-1", "b-2", "a-3"})

	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	for i, g := range groups {
		if len(g.Keys) != 1 {
			t.Errorf("group %d has %d keys, want 1", i, len(g.Keys))
		}
		if g.Module != g.Keys[0] {
			t.Errorf("singleton module = %q, want %q", g.Module, g.Keys[0])
		}
	}
}

func TestPartition_Empty(t *testing.T) {
	d := NewDetector(testRules())
	groups := d.Partition(nil)
	if groups == nil || len(groups) != 0 {
		t.Errorf("Partition(nil) = %v, want empty non-nil", groups)
	}
}

func TestPartition_IsAPartition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	d := NewDetector([]Rule{
		{Prefix: "a-", Module: "alpha"},
		{Prefix: "a-1", Module: "alpha-one"},
		{Prefix: "b-", Module: "beta"},
	})

	properties.Property("every key lands in exactly one group, order kept", prop.ForAll(
		func(keys []string) bool {
			groups := d.Partition(keys)

			count := map[string]int{}
			for _, g := range groups {
				if len(g.Keys) == 0 {
					return false
				}
				for _, k := range g.Keys {
					count[k]++
				}
			}

			total := 0
			for _, c := range count {
				total += c
			}
			if total != len(keys) {
				return false
			}

			// Within each group keys keep input order.
			for _, g := range groups {
				pos := -1
				for _, k := range g.Keys {
					next := indexFrom(keys, k, pos+1)
					if next <= pos {
						return false
					}
					pos = next
				}
			}
			return true
		},
		gen.SliceOf(gen.RegexMatch(`[abc]-[1-9]`)),
	))

	properties.TestingRun(t)
}

func indexFrom(keys []string, key string, from int) int {
	for i := from; i < len(keys); i++ {
		if keys[i] == key {
			return i
		}
	}
	return -1
}
