package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit, BuildDate = "1.2.0", "abc123", "2024-06-01"
	got := String()
	for _, want := range []string{"1.2.0", "abc123", "2024-06-01"} {
		if !strings.Contains(got, want) {
			t.Fatalf("String() = %q, missing %q", got, want)
		}
	}
}
