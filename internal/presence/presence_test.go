package presence

import (
	"slices"
	"testing"
)

func TestReplaceIsWholesale(t *testing.T) {
	tr := New(nil)

	tr.Replace([]string{"u1", "u2"})
	tr.Replace([]string{"u3", "u2", "", "u3"})

	if tr.IsOnline("u1") {
		t.Fatal("u1 still online after a broadcast that omitted it")
	}
	if got := tr.Online(); !slices.Equal(got, []string{"u2", "u3"}) {
		t.Fatalf("Online = %v, want [u2 u3]", got)
	}
}

func TestResetAndChangeHook(t *testing.T) {
	var seen [][]string
	tr := New(func(ids []string) { seen = append(seen, ids) })

	tr.Replace([]string{"u1"})
	tr.Reset()

	if tr.IsOnline("u1") {
		t.Fatal("u1 online after Reset")
	}
	if len(seen) != 2 || len(seen[0]) != 1 || len(seen[1]) != 0 {
		t.Fatalf("change hook calls = %v", seen)
	}
}
