package uuidtable

import (
	"strings"
)

// NotCodedOperator is the operator of numbers no prefix matches.
const NotCodedOperator = "NC"

// CleanOperator names the channel operator of a URN. Non-tel URNs are named
// by their scheme (e.g. "telegram"); tel URNs by the operator owning the
// longest matching number prefix in prefixes.
func CleanOperator(urn string, prefixes map[string]string) string {
	scheme, path, ok := strings.Cut(urn, ":")
	if !ok {
		return NotCodedOperator
	}
	if scheme != "tel" {
		return scheme
	}
	number := strings.TrimPrefix(path, "+")
	best, bestLen := NotCodedOperator, 0
	for prefix, operator := range prefixes {
		p := strings.TrimPrefix(prefix, "+")
		if len(p) > bestLen && strings.HasPrefix(number, p) {
			best, bestLen = operator, len(p)
		}
	}
	return best
}

// NormaliseURN validates a platform URN and strips the optional
// "#username" suffix of telegram URNs.
func NormaliseURN(urn string) (string, bool) {
	if strings.HasPrefix(urn, "tel:") && !strings.HasPrefix(urn, "tel:+") {
		return urn, false
	}
	if strings.HasPrefix(urn, "telegram:") {
		urn, _, _ = strings.Cut(urn, "#")
	}
	return urn, true
}
