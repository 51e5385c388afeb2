package porter

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitTitleBody(t *testing.T) {
	title, body := splitTitleBody("add feature\n\nlonger explanation\nsecond line")
	assert.Equal(t, "add feature", title)
	assert.Equal(t, "longer explanation\nsecond line", body)

	title, body = splitTitleBody("only a title")
	assert.Equal(t, "only a title", title)
	assert.Empty(t, body)
}

func TestAddTrailerStartsNewBlock(t *testing.T) {
	msg := addTrailer("fix crash\n\nthe pointer was nil\n", "X-Original-Commit", "abc")
	assert.Equal(t, "fix crash\n\nthe pointer was nil\n\nX-Original-Commit: abc\n", msg)
}

func TestAddTrailerAppendsToExistingBlock(t *testing.T) {
	msg := addTrailer(
		"fix crash\n\nSigned-off-by: alice <alice@example.com>\n",
		"X-Original-Commit", "abc",
	)
	assert.Equal(t,
		"fix crash\n\nSigned-off-by: alice <alice@example.com>\nX-Original-Commit: abc\n",
		msg,
	)
}

func TestAddTrailerTitleOnlyMessage(t *testing.T) {
	// a lone title that happens to look like a trailer must not be
	// mistaken for a trailer block
	msg := addTrailer("deps: bump zap", "X-Original-Commit", "abc")
	assert.Equal(t, "deps: bump zap\n\nX-Original-Commit: abc\n", msg)
}

func TestAddTrailerEmptyMessage(t *testing.T) {
	assert.Equal(t, "X-Original-Commit: abc\n", addTrailer("", "X-Original-Commit", "abc"))
}

func TestPortedMessageTranslatesSHA(t *testing.T) {
	msg := portedMessage("add feature", "branch-sha", map[string]string{"branch-sha": "merged-sha"})
	assert.Contains(t, msg, "X-Original-Commit: merged-sha")

	// unmapped commits keep their own id
	msg = portedMessage("add feature", "branch-sha", nil)
	assert.Contains(t, msg, "X-Original-Commit: branch-sha")
}

func TestFWTitle(t *testing.T) {
	assert.Equal(t, "[FW] add feature", fwTitle("add feature"))
	assert.Equal(t, "[FW][IMP] add feature", fwTitle("[IMP] add feature"))
}

func TestPortRefname(t *testing.T) {
	pattern := regexp.MustCompile(`^v2-feature-[0-9a-f]{4}-fw$`)

	name := portRefname("v2", "alice:feature")
	assert.Regexp(t, pattern, name)

	// labels without an owner part are used as-is
	assert.Regexp(t, pattern, portRefname("v2", "feature"))

	// the random suffix keeps port branches of retried tasks apart
	assert.NotEqual(t, name, portRefname("v2", "alice:feature"))
}
