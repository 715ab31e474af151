package domain

import "strings"

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a repository name into a lowercase token usable as a
// compose service key, container name and engine project name.
//
//   - letters are lowercased, digits are kept
//   - spaces, underscores, dots and slashes become hyphens
//   - everything else is dropped
//   - runs of hyphens collapse and leading/trailing hyphens are trimmed
//
// An empty result falls back to "app".
//
//	Slugify("Hello World")      // "hello-world"
//	Slugify("my_repo.git")      // "my-repo-git"
//	Slugify("--Org/API v2!--")  // "org-api-v2"
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
			lastHyphen = false
		case r == '-' || r == ' ' || r == '_' || r == '.' || r == '/':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "app"
	}
	return slug
}
