package git

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 40

// deaccent strips combining marks so accented titles slugify cleanly.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify converts a ticket title into a branch- and directory-safe slug.
func Slugify(title string) string {
	if flat, _, err := transform.String(deaccent, title); err == nil {
		title = flat
	}
	title = strings.ToLower(title)

	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "ticket"
	}
	return slug
}

// BranchName builds a ticket branch name from the configured prefix, the
// ticket id, and a slugified title.
func BranchName(prefix, ticketID, slug string) string {
	return fmt.Sprintf("%s%s-%s", prefix, ticketID, slug)
}

// workspaceDirName builds the deterministic directory name for a ticket
// workspace. The double dash separates the ticket id from the slug so the
// id can be recovered even though ids themselves contain dashes.
func workspaceDirName(ticketID, slug string) string {
	return ticketID + "--" + slug
}

// ticketIDFromDir recovers the ticket id from a workspace directory name.
// Returns "" for directories that do not follow the convention.
func ticketIDFromDir(dir string) string {
	id, _, ok := strings.Cut(dir, "--")
	if !ok {
		return ""
	}
	return id
}
