package directory

import "strings"

// DetermineDomain returns the domain a target belongs to: the part after "@"
// for an address, otherwise defaultDomain. A bare username can belong to any
// configured domain, so the fallback is a guess and callers should treat it
// as one.
func DetermineDomain(target, defaultDomain string) string {
	if _, after, ok := strings.Cut(target, "@"); ok && after != "" {
		return after
	}
	return defaultDomain
}
