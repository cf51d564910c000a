package identity

import (
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AccessList enforces the sender allow/deny rules applied to every
// incoming home-server transaction event, grounded on base.py's
// _is_sender_allowed: blacklist is checked before whitelist, and an
// mxid matching neither is denied by default.
type AccessList struct {
	blacklist []*regexp.Regexp
	whitelist []*regexp.Regexp
	decisions *lru.Cache[string, bool]
}

// NewAccessList compiles the configured blacklist/whitelist patterns,
// substituting "{hs_host}" the way base.py formats its regex strings
// with the home-server host before compiling them.
func NewAccessList(hsHost string, blacklist, whitelist []string, maxCacheItems int) (*AccessList, error) {
	cache, err := lru.New[string, bool](maxCacheItems)
	if err != nil {
		return nil, fmt.Errorf("identity: building access decision cache: %w", err)
	}

	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		compiled := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			resolved := substitute(p, map[string]string{"hs_host": hsHost})
			re, err := regexp.Compile(resolved)
			if err != nil {
				return nil, fmt.Errorf("identity: compiling access pattern %q: %w", p, err)
			}
			compiled = append(compiled, re)
		}
		return compiled, nil
	}

	bl, err := compile(blacklist)
	if err != nil {
		return nil, err
	}
	wl, err := compile(whitelist)
	if err != nil {
		return nil, err
	}

	return &AccessList{blacklist: bl, whitelist: wl, decisions: cache}, nil
}

// IsSenderAllowed reports whether events from sender should be processed.
func (a *AccessList) IsSenderAllowed(sender string) bool {
	if allowed, ok := a.decisions.Get(sender); ok {
		return allowed
	}

	for _, re := range a.blacklist {
		if re.MatchString(sender) {
			a.decisions.Add(sender, false)
			return false
		}
	}
	for _, re := range a.whitelist {
		if re.MatchString(sender) {
			a.decisions.Add(sender, true)
			return true
		}
	}

	a.decisions.Add(sender, false)
	return false
}
