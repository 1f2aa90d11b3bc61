// Package access implements the address-allowlist policy consulted by the
// port-forwarding microservices (svc/portforward) before they dial out to a
// locally reachable target on a peer's behalf. SSF has no per-connection
// login (TLS client-cert mutual auth happens once, at the transport), so
// there is exactly one server-wide Policy rather than one per session.
package access

import (
	"regexp"
)

// Policy is an ordered list of address patterns a server-side microservice
// may dial. An empty Policy (the zero value) allows everything.
type Policy struct {
	patterns []*regexp.Regexp
}

// AllowAll is a Policy with no restriction, the default when
// ssf.services.* carries no explicit target allowlist.
var AllowAll = Policy{}

// NewPolicy compiles exprs (each a Go regexp matched against "host:port")
// into a Policy. An invalid expression is reported immediately rather than
// failing a later HasAccess call silently.
func NewPolicy(exprs []string) (Policy, error) {
	p := Policy{patterns: make([]*regexp.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Policy{}, err
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// HasAccess reports whether addr ("host:port") is reachable under p. With
// no patterns configured, every address is allowed.
func (p Policy) HasAccess(addr string) bool {
	if len(p.patterns) == 0 {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(addr) {
			return true
		}
	}
	return false
}
