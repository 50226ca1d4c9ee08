package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkerKey_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		wantSlot string
		wantOK   bool
	}{
		{name: "default slot", key: MarkerKey(DefaultMarkerSlot), wantSlot: "default", wantOK: true},
		{name: "named session", key: MarkerKey("alice"), wantSlot: "alice", wantOK: true},
		{name: "unrelated key", key: "status_msg:alice", wantOK: false},
		{name: "empty slot", key: "last_write:", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, ok := MarkerSlotFromKey(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSlot, slot)
		})
	}
}
