package porter

import (
	"fmt"
	"regexp"
	"strings"
)

var trailerRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*: .+$`)

// originalCommitTrailer records the id of the commit a forward-ported commit
// was created from.
// The recorded id is the canonical one from the source pull request, not the
// id github assigned when merging, so that successive ports of the same
// change carry the same trailer value.
const originalCommitTrailer = "X-Original-Commit"

// splitTitleBody splits a commit or pull request message into its first line
// and the rest.
func splitTitleBody(message string) (title, body string) {
	title, body, _ = strings.Cut(message, "\n")
	return strings.TrimSpace(title), strings.TrimSpace(body)
}

// addTrailer appends a git trailer line to a commit message.
// If the message already ends in a trailer block the line is added to it,
// otherwise a new block is started.
func addTrailer(message, key, value string) string {
	message = strings.TrimRight(message, "\n")
	if message == "" {
		return fmt.Sprintf("%s: %s\n", key, value)
	}

	paragraphs := strings.Split(message, "\n\n")
	last := paragraphs[len(paragraphs)-1]

	if len(paragraphs) > 1 && isTrailerBlock(last) {
		return fmt.Sprintf("%s\n%s: %s\n", message, key, value)
	}

	return fmt.Sprintf("%s\n\n%s: %s\n", message, key, value)
}

func isTrailerBlock(paragraph string) bool {
	for _, line := range strings.Split(paragraph, "\n") {
		if !trailerRe.MatchString(line) {
			return false
		}
	}

	return true
}

// portedMessage rewrites a commit message for a forward-ported commit.
// commitsMap translates the id github assigned when merging back to the
// canonical id of the commit in the source pull request.
func portedMessage(message, sha string, commitsMap map[string]string) string {
	canonical := sha
	if mapped, exists := commitsMap[sha]; exists {
		canonical = mapped
	}

	return addTrailer(message, originalCommitTrailer, canonical)
}
