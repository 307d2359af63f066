package multimap

import "testing"

func TestChooseRoundRobin(t *testing.T) {
	c := NewChoosable([]int{1, 2, 3})
	seen := make([]int, 6)
	for i := range seen {
		v, ok := c.Choose()
		if !ok {
			t.Fatal("expected ok")
		}
		seen[i] = v
	}
	want := []int{1, 2, 3, 1, 2, 3}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestChooseEmpty(t *testing.T) {
	c := NewChoosable[int](nil)
	if _, ok := c.Choose(); ok {
		t.Fatal("expected false on empty Choosable")
	}
}

func TestItemsReturnsDefensiveCopy(t *testing.T) {
	src := []int{1, 2, 3}
	c := NewChoosable(src)
	out := c.Items()
	out[0] = 99
	if v, _ := c.Choose(); v == 99 {
		t.Fatal("mutating Items() result should not affect the Choosable")
	}
}
