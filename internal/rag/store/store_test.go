package store

import "testing"

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 50, -5: 50, 10: 10, 5000: 50, 500: 500}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
