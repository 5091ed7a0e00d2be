package fetch

import "strings"

// CleanURL repairs common agent-produced URL mangling before fetching:
// surrounding whitespace, and embedded spaces. A GitHub URL split by a space
// ("https://github.com/org repo") is rejoined with a slash; other URLs get
// their spaces percent-encoded.
func CleanURL(raw string) string {
	u := strings.TrimSpace(raw)
	if !strings.Contains(u, " ") {
		return u
	}

	if strings.Contains(u, "github.com") {
		parts := strings.Fields(u)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
	}

	return strings.ReplaceAll(u, " ", "%20")
}
