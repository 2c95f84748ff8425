package syncer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platesync/platesync/store"
)

func TestAddressPerRow(t *testing.T) {
	c, err := store.LookupCollection("meal")
	require.NoError(t, err)
	require.Equal(t, "platesync:meal:m1", Address(c, "m1"))
}

func TestAddressWholeCollection(t *testing.T) {
	c, err := store.LookupCollection("frequentItem")
	require.NoError(t, err)
	require.Equal(t, "platesync:frequentItem", Address(c, ""))
	// The id is irrelevant for fixed-address collections.
	require.Equal(t, "platesync:frequentItem", Address(c, "f1"))
}

func TestParseAddressRoundTrip(t *testing.T) {
	c, id, err := ParseAddress("platesync:meal:m1")
	require.NoError(t, err)
	require.Equal(t, "meal", c.Name)
	require.Equal(t, "m1", id)

	c, id, err = ParseAddress("platesync:setting")
	require.NoError(t, err)
	require.Equal(t, "setting", c.Name)
	require.Empty(t, id)
}

func TestParseAddressRejectsForeign(t *testing.T) {
	for _, addr := range []string{
		"",
		"platesync",
		"otherapp:meal:m1",
		"platesync:nonsense:m1",
		"platesync:meal", // per-row without id
	} {
		_, _, err := ParseAddress(addr)
		require.Error(t, err, "ParseAddress(%q)", addr)
	}
}
