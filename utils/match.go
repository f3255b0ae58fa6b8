package utils

import "strings"

// MatchPermission checks a dotted permission name (e.g. "document.read")
// against a grant pattern. Patterns may use:
//   - '*' matching any sequence of characters within a segment, or
//     everything when it ends the pattern
//   - ':' prefixed parameters (e.g. ":action") matching one segment
//
// Segments are separated by '.'.
func MatchPermission(name, pattern string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	return matchSegments(name, pattern)
}

func matchSegments(value, pattern string) bool {
	nIndex, pIndex := 0, 0
	nLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			// Trailing '*' swallows the rest.
			if pIndex == pLen-1 {
				return true
			}
			for nIndex < nLen && value[nIndex] != '.' {
				nIndex++
			}
			pIndex++
		case ':':
			// Parameter: consume one segment on both sides.
			pIndex++
			for pIndex < pLen && pattern[pIndex] != '.' {
				pIndex++
			}
			for nIndex < nLen && value[nIndex] != '.' {
				nIndex++
			}
		default:
			if nIndex < nLen && pattern[pIndex] == value[nIndex] {
				nIndex++
				pIndex++
				continue
			}
			// "doc.*" also covers the bare prefix name itself.
			if strings.HasSuffix(pattern, ".*") {
				return value == strings.TrimSuffix(pattern, ".*")
			}
			return false
		}
	}

	return nIndex == nLen && pIndex == pLen
}
