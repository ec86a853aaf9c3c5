package caller

import (
	"testing"
	"time"
)

func TestNtRelativeInterval(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int64 // 100ns units, negative means relative
	}{
		{100 * time.Nanosecond, -1},
		{time.Millisecond, -10_000},
		{200 * time.Millisecond, -2_000_000},
		{time.Second, -10_000_000},
	}
	for _, tc := range cases {
		got := ntRelativeInterval(tc.d)
		if int64(got) != tc.want {
			t.Errorf("ntRelativeInterval(%v) = %d, want %d (as two's complement)",
				tc.d, int64(got), tc.want)
		}
	}
}
