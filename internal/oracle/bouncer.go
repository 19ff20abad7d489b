package oracle

import "strings"

// Known noise filenames OS file managers and browsers litter directories
// with; a lookup for one of these under /search is rejected outright.
var noiseNames = map[string]bool{
	"desktop.ini": true,
	"thumbs.db":   true,
	".DS_Store":   true,
}

// Bounced reports whether name should be rejected with ENOENT at lookup
// time in /search, without ever reaching the Oracle's dispatch queue
// (spec.md §4.5: small, explicit, must not mask valid user queries).
func Bounced(name string) bool {
	if noiseNames[name] {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), ".zip")
}
