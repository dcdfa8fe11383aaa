package cluster

import (
	"fmt"
	"testing"
)

func TestOwnerDeterministic(t *testing.T) {
	nodes := []string{"a:1", "b:1", "c:1"}
	rev := []string{"c:1", "b:1", "a:1"}
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("file-%d", i)
		if Owner(k, nodes) != Owner(k, rev) {
			t.Fatalf("owner of %s depends on node order", k)
		}
	}
	if Owner("x", nil) != "" {
		t.Fatalf("owner with no nodes")
	}
	if !Owns("self", "x", nil) {
		t.Fatalf("a lone node must own everything")
	}
}

func TestOwnerSpreadAndStability(t *testing.T) {
	nodes := []string{"a:1", "b:1", "c:1"}
	counts := map[string]int{}
	before := map[string]string{}
	for i := 0; i < 3000; i++ {
		k := fmt.Sprintf("file-%d", i)
		o := Owner(k, nodes)
		counts[o]++
		before[k] = o
	}
	for _, n := range nodes {
		if counts[n] < 800 {
			t.Fatalf("skewed distribution: %v", counts)
		}
	}

	// dropping c only moves c's keys
	left := []string{"a:1", "b:1"}
	for k, o := range before {
		if o != "c:1" && Owner(k, left) != o {
			t.Fatalf("key %s moved from %s", k, o)
		}
	}
}
