// Package markup prepares outgoing message bodies: mention resolution,
// emoji alias expansion, markdown rendering and HTML sanitizing. The
// rendered HTML travels next to the plain body so every client sees the
// same formatting.
package markup

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	strip "github.com/grokify/html-strip-tags-go"
	"github.com/kenshaw/emoji"
	"github.com/microcosm-cc/bluemonday"

	"github.com/voxchat/voxclient/bridge"
)

var mentionRE = regexp.MustCompile(`@(\w+)`)

// sanitizer keeps the usual user-generated-content set plus the mention
// span class.
var sanitizer = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("span", "code")

	return p
}()

// ParseMentions resolves @name tokens against the room membership and
// returns the mentioned user IDs together with the text with mentions
// wrapped in a span.
func ParseMentions(text string, members []*bridge.Member) ([]string, string) {
	var userIDs []string

	formatted := text

	for _, match := range mentionRE.FindAllStringSubmatch(text, -1) {
		name := match[1]

		member := findMember(name, members)
		if member == nil {
			continue
		}

		userIDs = append(userIDs, member.UserID)
		formatted = strings.Replace(formatted, match[0],
			fmt.Sprintf(`<span class="mention">@%s</span>`, member.DisplayName), 1)
	}

	return userIDs, formatted
}

func findMember(name string, members []*bridge.Member) *bridge.Member {
	lower := strings.ToLower(name)

	for _, m := range members {
		if strings.ToLower(m.DisplayName) == lower || strings.Contains(m.UserID, lower) {
			return m
		}
	}

	return nil
}

// hasMarkdown mirrors the quick check the web client used before invoking
// the markdown renderer.
func hasMarkdown(text string) bool {
	return strings.Contains(text, "**") || strings.Contains(text, "*") ||
		strings.Contains(text, "`") || strings.Contains(text, "[")
}

func renderMarkdown(text string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.HardLineBreak)
	r := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})

	return string(markdown.ToHTML([]byte(text), p, r))
}

// Prepare runs the full outgoing pipeline. It returns the plain body (with
// emoji aliases expanded), the sanitized rendered HTML and the mentioned
// user IDs. FormattedContent is empty when rendering would be a no-op.
func Prepare(text string, members []*bridge.Member) (string, string, []string) {
	text = emoji.ReplaceAliases(text)

	userIDs, formatted := ParseMentions(text, members)

	rendered := formatted
	if hasMarkdown(text) {
		rendered = renderMarkdown(formatted)
	}

	rendered = strings.TrimSpace(sanitizer.Sanitize(rendered))
	if rendered == text {
		rendered = ""
	}

	return text, rendered, userIDs
}

// StripHTML reduces rendered content to plain text, used for previews and
// for clients that cannot display HTML.
func StripHTML(s string) string {
	return strip.StripTags(s)
}
