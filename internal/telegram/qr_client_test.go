package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQRClient(t *testing.T) {
	creds := Credentials{APIID: 12345, APIHash: "test_hash", Name: "alice"}

	bundle, err := NewQRClient(creds)
	require.NoError(t, err)
	require.NotNil(t, bundle.Client)
	require.NotNil(t, bundle.Storage)

	other, err := NewQRClient(creds)
	require.NoError(t, err)
	assert.True(t, bundle.Storage != other.Storage, "each bundle gets its own storage")
}
