package identity

import "strings"

// surfaceAliases maps every accepted surface spelling to its canonical id.
// Storage only ever holds the canonical form; normalization is idempotent so
// canonical ids round-trip unchanged.
var surfaceAliases = map[string]string{
	"squared2": "squared2",
	"squared²": "squared2",
	"squared":  "squared2",
	"square2":  "squared2",

	"atelier":   "atelier",
	"atelier3d": "atelier",

	"gallery":  "gallery",
	"showroom": "gallery",

	"console":     "console",
	"ops-console": "console",
}

// NormalizeSurface maps a surface alias to its canonical id. The second
// return value is false for unknown surfaces; empty input is valid (surface
// is optional) and maps to empty.
func NormalizeSurface(raw string) (string, bool) {
	if raw == "" {
		return "", true
	}
	canonical, ok := surfaceAliases[strings.ToLower(strings.TrimSpace(raw))]
	return canonical, ok
}

// CanonicalSurfaces returns the canonical surface set, for diagnostics.
func CanonicalSurfaces() []string {
	seen := map[string]bool{}
	out := make([]string, 0, 4)
	for _, c := range surfaceAliases {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
