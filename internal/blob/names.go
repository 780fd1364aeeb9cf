package blob

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxFileNameLen = 120

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	repeatedUnders  = regexp.MustCompile(`_+`)
)

// SanitizeFileName reduces name to ASCII [A-Za-z0-9._-], at most 120
// characters. Accents are folded to their base letter before filtering.
func SanitizeFileName(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := unsafeNameChars.ReplaceAllString(b.String(), "_")
	cleaned = repeatedUnders.ReplaceAllString(cleaned, "_")
	if len(cleaned) > maxFileNameLen {
		cleaned = cleaned[:maxFileNameLen]
	}
	if cleaned == "" || strings.Trim(cleaned, "._") == "" {
		return "file"
	}
	return cleaned
}

// StoragePath is the blob locator for an attachment of messageID.
func StoragePath(conversationID, userID, messageID, fileName string) string {
	return path.Join(conversationID, userID, messageID, SanitizeFileName(fileName))
}
