package commands

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/mosaicnetworks/ddp/src/version"
)

func TestParseParams(t *testing.T) {
	params := parseParams([]string{`{"a":1}`, `[1,"two"]`, `3`, `hello`, `"quoted"`})
	expected := []interface{}{
		map[string]interface{}{"a": 1.0},
		[]interface{}{1.0, "two"},
		3.0,
		"hello",
		"quoted",
	}
	if !reflect.DeepEqual(params, expected) {
		t.Fatalf("expected %#v, got %#v", expected, params)
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := NewVersionCmd()
	var out bytes.Buffer
	cmd.SetOutput(&out)
	cmd.Run(cmd, nil)
	if !strings.Contains(out.String(), version.Version) {
		t.Fatalf("expected the version, got %q", out.String())
	}
}
