package chunk

import "testing"

func TestAlignID(t *testing.T) {
	cases := []struct {
		name     string
		ts       int64
		duration int64
		want     ID
	}{
		{"exact multiple", 3600, 3600, 3600},
		{"mid bucket", 3700, 3600, 3600},
		{"zero", 0, 3600, 0},
		{"negative floors down", -1, 3600, -3600},
		{"negative exact", -3600, 3600, -3600},
		{"negative mid bucket", -3700, 3600, -7200},
		{"non-positive duration returns ts", 42, 0, 42},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AlignID(tc.ts, tc.duration); got != tc.want {
				t.Fatalf("AlignID(%d, %d) = %d, want %d", tc.ts, tc.duration, got, tc.want)
			}
		})
	}
}

func TestCompressionStateString(t *testing.T) {
	cases := []struct {
		state CompressionState
		want  string
	}{
		{Uncompressed, "uncompressed"},
		{InProgress, "in_progress"},
		{Compressed, "compressed"},
		{CompressionState(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}
