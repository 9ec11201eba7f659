package fetch

import "strings"

// cacheControl holds the response directives that influence cache writes.
type cacheControl struct {
	NoCache bool
	NoStore bool
	Private bool
}

// parseCacheControl reads the boolean directives of a Cache-Control header.
// Unknown directives and key=value pairs are ignored.
func parseCacheControl(header string) cacheControl {
	var directive cacheControl
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || strings.Contains(part, "=") {
			continue
		}
		switch part {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}
	return directive
}
