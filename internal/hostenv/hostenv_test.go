package hostenv

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestConfigureSetsOverrides(t *testing.T) {
	for _, v := range Variables() {
		t.Setenv(v.Name, "0")
	}

	Configure(log.New(&bytes.Buffer{}))

	for _, v := range Variables() {
		if got := os.Getenv(v.Name); got != "1" {
			t.Errorf("%s = %q, want %q", v.Name, got, "1")
		}
	}
}

func TestVariablesFixedSet(t *testing.T) {
	t.Parallel()

	vars := Variables()
	if len(vars) != 2 {
		t.Fatalf("expected 2 overrides, got %d", len(vars))
	}
	if vars[0].Name != DisableCompositingMode || vars[1].Name != DisableDMABufRenderer {
		t.Errorf("unexpected override order: %+v", vars)
	}
}

func TestApplySwallowsFailures(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger := log.New(&out)

	var attempted []string
	apply(func(key, value string) error {
		attempted = append(attempted, key)
		if key == DisableCompositingMode {
			return errors.New("read-only environment")
		}
		return nil
	}, logger)

	if len(attempted) != 2 {
		t.Fatalf("expected both overrides to be attempted, got %v", attempted)
	}
	if !strings.Contains(out.String(), "environment override not applied") {
		t.Errorf("expected a warning for the failed override, got %q", out.String())
	}
}
