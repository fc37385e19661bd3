package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeAddress(t *testing.T) {
	addr, err := FreeAddress()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.Greater(t, addr.Port, 0)
}

func TestParseInitAddress(t *testing.T) {
	addr, err := ParseInitAddress("10.0.0.5:29500")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", addr.Host)
	assert.Equal(t, 29500, addr.Port)
	assert.Equal(t, "10.0.0.5:29500", addr.String())
}

func TestParseInitAddressRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "localhost", "host:notaport", "host:0", "host:70000"} {
		_, err := ParseInitAddress(s)
		assert.Error(t, err, "input %q", s)
	}
}
