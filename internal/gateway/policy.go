package gateway

import "strings"

// countryHeader is set by the edge CDN with the client's origin country.
const countryHeader = "CF-IPCountry"

// Policy applies the origin-country deny-list. An empty list allows
// everything, including requests with no country header.
type Policy struct {
	blocked map[string]bool
}

func NewPolicy(blockedCountries []string) *Policy {
	blocked := make(map[string]bool, len(blockedCountries))
	for _, c := range blockedCountries {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			blocked[c] = true
		}
	}
	return &Policy{blocked: blocked}
}

// Blocked reports whether the country code is deny-listed.
func (p *Policy) Blocked(country string) bool {
	return p.blocked[strings.ToUpper(strings.TrimSpace(country))]
}
