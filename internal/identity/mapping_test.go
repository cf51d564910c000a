package identity

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapper(t *testing.T) *Mapper {
	t.Helper()
	networks := map[string]NetworkMapping{
		"prpl-jabber": {
			Prefix:     "xmpp",
			ExtPattern: regexp.MustCompile(`^(?P<user>[^@]+)@(?P<host>.+)$`),
			ExtFormat:  "{user}@{host}",
		},
	}
	m, err := NewMapper("matrix.example.org", networks, 128)
	require.NoError(t, err)
	return m
}

func TestExtContactToMxid_WithRemoteHost(t *testing.T) {
	m := testMapper(t)
	mxid, err := m.ExtContactToMxid("prpl-jabber", "alice@jabber.org")
	require.NoError(t, err)
	assert.Equal(t, "@xmpp-alice%jabber.org:matrix.example.org", mxid)
}

func TestExtContactToMxid_SameHostOmitsPercent(t *testing.T) {
	m := testMapper(t)
	mxid, err := m.ExtContactToMxid("prpl-jabber", "bob@matrix.example.org")
	require.NoError(t, err)
	assert.Equal(t, "@xmpp-bob:matrix.example.org", mxid)
}

func TestExtContactToMxid_Cached(t *testing.T) {
	m := testMapper(t)
	first, err := m.ExtContactToMxid("prpl-jabber", "alice@jabber.org")
	require.NoError(t, err)
	second, err := m.ExtContactToMxid("prpl-jabber", "alice@jabber.org")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExtContactToMxid_UnknownNetwork(t *testing.T) {
	m := testMapper(t)
	_, err := m.ExtContactToMxid("prpl-unknown", "alice@jabber.org")
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestExtContactToMxid_NoPatternMatch(t *testing.T) {
	m := testMapper(t)
	_, err := m.ExtContactToMxid("prpl-jabber", "not-an-address")
	assert.ErrorIs(t, err, ErrNoPatternMatch)
}

func TestMxidToExtContact_RoundTrip(t *testing.T) {
	m := testMapper(t)
	ext, err := m.MxidToExtContact("prpl-jabber", "@xmpp-alice%jabber.org:matrix.example.org")
	require.NoError(t, err)
	assert.Equal(t, "alice@jabber.org", ext)
}

func TestMxidToExtContact_DefaultsHostToHsHost(t *testing.T) {
	m := testMapper(t)
	ext, err := m.MxidToExtContact("prpl-jabber", "@xmpp-bob:matrix.example.org")
	require.NoError(t, err)
	assert.Equal(t, "bob@matrix.example.org", ext)
}

func TestMxidToExtContact_UnexpectedPrefix(t *testing.T) {
	m := testMapper(t)
	_, err := m.MxidToExtContact("prpl-jabber", "@other-bob:matrix.example.org")
	assert.ErrorIs(t, err, ErrUnexpectedPrefix)
}

func TestMxidToExtContact_NoPatternMatch(t *testing.T) {
	m := testMapper(t)
	_, err := m.MxidToExtContact("prpl-jabber", "not-an-mxid")
	assert.ErrorIs(t, err, ErrNoPatternMatch)
}

func TestApplyRemap_ColonHash(t *testing.T) {
	assert.Equal(t, "a#b", applyRemap("a:b", true))
	assert.Equal(t, "a:b", applyRemap("a#b", false))
}
