package idgen

import (
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewNodeID(t *testing.T) {
	a := NewNodeID()
	b := NewNodeID()

	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if !strings.HasPrefix(a, "node-") {
		t.Errorf("expected node- prefix, got %s", a)
	}
	if _, err := ulid.Parse(strings.TrimPrefix(a, "node-")); err != nil {
		t.Errorf("expected a ULID suffix: %v", err)
	}
}
