package privdrop

import "testing"

func TestDrop_NoopWhenNoUser(t *testing.T) {
	if err := Drop(Config{}); err != nil {
		t.Errorf("Drop with empty User should be a no-op, got: %v", err)
	}
}
