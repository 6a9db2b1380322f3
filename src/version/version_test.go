//go:build !unit
// +build !unit

package version

import (
	"strings"
	"testing"
)

// TestFlagEmpty fails if version.Flag is not empty, which is only allowed on
// development branches.
func TestFlagEmpty(t *testing.T) {
	if len(Flag) > 0 {
		t.Fatalf("Version Flag is not empty: %s", Flag)
	}
}

func TestFull(t *testing.T) {
	if full := Full(); !strings.HasPrefix(full, Version) || !strings.Contains(full, "protocol [1]") {
		t.Fatalf("unexpected full version %q", full)
	}
}
