package id_test

import (
	"testing"

	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTrip(t *testing.T) {
	cases := []string{
		"node1@127.0.0.1:4369",
		"node-2@example.com:5000",
		"a@[::1]:9000",
		"n_1@host.example.com:1",
	}
	for _, s := range cases {
		n, err := id.Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, n.String())
		assert.True(t, id.IsValid(s))
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []string{
		"",
		"noat",
		"1bad@host:1",
		"name@host:0",
		"name@host:70000",
		"name@:1234",
		"toolongname0123456789012345678901234567890123456789012345678901234@host:1",
	}
	for _, s := range cases {
		_, err := id.Parse(s)
		assert.Error(t, err, s)
		assert.False(t, id.IsValid(s), s)
	}
}

func TestAccessors(t *testing.T) {
	n, err := id.New("node1", "127.0.0.1", 4369)
	require.NoError(t, err)
	assert.Equal(t, "node1", n.Name())
	assert.Equal(t, "127.0.0.1", n.Host())
	assert.Equal(t, 4369, n.Port())
	assert.Equal(t, "127.0.0.1:4369", n.Address())
}

func TestIPv6(t *testing.T) {
	n, err := id.New("node1", "::1", 4369)
	require.NoError(t, err)
	assert.Equal(t, "node1@[::1]:4369", n.String())
}
