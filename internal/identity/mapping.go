// Package identity translates between home-server mxids and back-end
// network contact identifiers, and enforces the sender access list.
//
// Grounded on layers/base.py's RE_CONTACT_MXID, USER_CHARS_REMAP,
// ext_contact_to_mxid and mxid_to_ext_contact.
package identity

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// contactMxidRe mirrors RE_CONTACT_MXID: @prefix[-user][%host]:hs_host
var contactMxidRe = regexp.MustCompile(`^@(?P<prefix>[^-%:]+)(-(?P<user>[^%:]+))?(%(?P<host>[^:]+))?:(?P<hshost>.+)$`)

// userCharsRemap mirrors USER_CHARS_REMAP: characters illegal in an mxid
// local part are substituted going mxid-ward and reversed coming back.
var userCharsRemap = [][2]string{
	{":", "#"},
}

// NetworkMapping holds the per-network translation rules: prefix, the
// regex that recognizes an external contact id, and the format string
// used to render one back out of named capture groups.
type NetworkMapping struct {
	Prefix     string
	ExtPattern *regexp.Regexp
	ExtFormat  string
}

// Mapper translates mxids to/from external contact identifiers, caching
// both directions per network the way base.py's two LRUCache instances do.
type Mapper struct {
	hsHost   string
	networks map[string]NetworkMapping

	extToMxid *lru.Cache[string, string]
	mxidToExt *lru.Cache[string, string]
}

// NewMapper builds a Mapper for the given home-server host and per-network
// mapping rules, with LRU caches sized maxCacheItems in each direction.
func NewMapper(hsHost string, networks map[string]NetworkMapping, maxCacheItems int) (*Mapper, error) {
	e2m, err := lru.New[string, string](maxCacheItems)
	if err != nil {
		return nil, fmt.Errorf("identity: building ext->mxid cache: %w", err)
	}
	m2e, err := lru.New[string, string](maxCacheItems)
	if err != nil {
		return nil, fmt.Errorf("identity: building mxid->ext cache: %w", err)
	}
	return &Mapper{
		hsHost:    hsHost,
		networks:  networks,
		extToMxid: e2m,
		mxidToExt: m2e,
	}, nil
}

// ErrUnknownNetwork is returned when a network has no mapping rules configured.
var ErrUnknownNetwork = fmt.Errorf("identity: unknown network")

// ErrNoPatternMatch is returned when an identifier doesn't match its network's pattern.
var ErrNoPatternMatch = fmt.Errorf("identity: identifier does not match network pattern")

// ErrUnexpectedPrefix is returned when an mxid's service prefix doesn't match the network.
var ErrUnexpectedPrefix = fmt.Errorf("identity: unexpected service prefix")

func applyRemap(s string, forward bool) string {
	for _, pair := range userCharsRemap {
		from, to := pair[0], pair[1]
		if !forward {
			from, to = pair[1], pair[0]
		}
		s = strings.ReplaceAll(s, from, to)
	}
	return s
}

func namedGroups(re *regexp.Regexp, match []string) map[string]string {
	groups := make(map[string]string, len(re.SubexpNames()))
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		groups[name] = match[i]
	}
	return groups
}

func substitute(tmpl string, values map[string]string) string {
	out := tmpl
	for name, value := range values {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

// Substitute exposes the same "{name}" template substitution used by the
// ext/mxid translation and the access-list patterns, for other packages
// that need the identical placeholder rule (e.g. the Input layer's
// prompt-message templates).
func Substitute(tmpl string, values map[string]string) string {
	return substitute(tmpl, values)
}

// ExtContactToMxid translates an external contact identifier (e.g. a
// jabber id) to the mxid of its puppet on the home server.
func (m *Mapper) ExtContactToMxid(network, extContact string) (string, error) {
	cacheKey := network + "\x00" + extContact
	if mxid, ok := m.extToMxid.Get(cacheKey); ok {
		return mxid, nil
	}

	netConf, ok := m.networks[network]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}

	match := netConf.ExtPattern.FindStringSubmatch(extContact)
	if match == nil {
		return "", fmt.Errorf("%w: %q", ErrNoPatternMatch, extContact)
	}
	groups := namedGroups(netConf.ExtPattern, match)

	userPrefix := netConf.Prefix
	if user, ok := groups["user"]; ok && user != "" {
		userPrefix = netConf.Prefix + "-" + user
	}
	userPrefix = applyRemap(userPrefix, true)

	var mxid string
	if host, ok := groups["host"]; ok && host != "" && host != m.hsHost {
		mxid = fmt.Sprintf("@%s%%%s:%s", userPrefix, host, m.hsHost)
	} else {
		mxid = fmt.Sprintf("@%s:%s", userPrefix, m.hsHost)
	}

	m.extToMxid.Add(cacheKey, mxid)
	return mxid, nil
}

// MxidToExtContact translates a puppet's mxid back to the external
// contact identifier it was derived from.
func (m *Mapper) MxidToExtContact(network, mxid string) (string, error) {
	cacheKey := network + "\x00" + mxid
	if ext, ok := m.mxidToExt.Get(cacheKey); ok {
		return ext, nil
	}

	netConf, ok := m.networks[network]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}

	match := contactMxidRe.FindStringSubmatch(mxid)
	if match == nil {
		return "", fmt.Errorf("%w: %q", ErrNoPatternMatch, mxid)
	}
	groups := namedGroups(contactMxidRe, match)

	if groups["prefix"] != netConf.Prefix {
		return "", fmt.Errorf("%w: got %q, want %q", ErrUnexpectedPrefix, groups["prefix"], netConf.Prefix)
	}

	host := groups["host"]
	if host == "" {
		host = m.hsHost
	}
	user := applyRemap(groups["user"], false)

	ext := substitute(netConf.ExtFormat, map[string]string{
		"user": user,
		"host": host,
	})

	m.mxidToExt.Add(cacheKey, ext)
	return ext, nil
}
