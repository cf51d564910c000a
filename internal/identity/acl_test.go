package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessList_WhitelistAllows(t *testing.T) {
	al, err := NewAccessList("matrix.example.org", nil, []string{`^@.+:matrix\.example\.org$`}, 128)
	require.NoError(t, err)
	assert.True(t, al.IsSenderAllowed("@alice:matrix.example.org"))
}

func TestAccessList_DefaultDeny(t *testing.T) {
	al, err := NewAccessList("matrix.example.org", nil, nil, 128)
	require.NoError(t, err)
	assert.False(t, al.IsSenderAllowed("@alice:matrix.example.org"))
}

func TestAccessList_BlacklistTakesPriority(t *testing.T) {
	al, err := NewAccessList(
		"matrix.example.org",
		[]string{`^@spammer:.+$`},
		[]string{`^@.+:matrix\.example\.org$`},
		128,
	)
	require.NoError(t, err)
	assert.False(t, al.IsSenderAllowed("@spammer:matrix.example.org"))
	assert.True(t, al.IsSenderAllowed("@alice:matrix.example.org"))
}

func TestAccessList_HsHostSubstitution(t *testing.T) {
	al, err := NewAccessList("matrix.example.org", nil, []string{`^@.+:{hs_host}$`}, 128)
	require.NoError(t, err)
	assert.True(t, al.IsSenderAllowed("@alice:matrix.example.org"))
	assert.False(t, al.IsSenderAllowed("@alice:other.org"))
}

func TestAccessList_Cached(t *testing.T) {
	al, err := NewAccessList("matrix.example.org", nil, []string{`^@.+:matrix\.example\.org$`}, 128)
	require.NoError(t, err)
	first := al.IsSenderAllowed("@alice:matrix.example.org")
	second := al.IsSenderAllowed("@alice:matrix.example.org")
	assert.Equal(t, first, second)
}
