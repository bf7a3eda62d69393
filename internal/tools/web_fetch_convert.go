package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// extractJSON pretty-prints JSON content; non-JSON bodies pass through raw.
func extractJSON(body []byte) (string, string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return string(body), "raw"
	}
	formatted, _ := json.MarshalIndent(data, "", "  ")
	return string(formatted), "json"
}

// Regex-based HTML handling. Deliberately not a full parser: good enough
// for article-shaped pages, and with no extra dependency surface.
var (
	reScript  = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle   = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reComment = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reNav     = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	reFooter  = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	reHeader  = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	reTag     = regexp.MustCompile(`<[^>]+>`)
	reMultiNL = regexp.MustCompile(`\n{3,}`)
	reMultiSP = regexp.MustCompile(`[ \t]{2,}`)

	reHeadings = [6]*regexp.Regexp{
		regexp.MustCompile(`(?i)<h1[^>]*>([\s\S]*?)</h1>`),
		regexp.MustCompile(`(?i)<h2[^>]*>([\s\S]*?)</h2>`),
		regexp.MustCompile(`(?i)<h3[^>]*>([\s\S]*?)</h3>`),
		regexp.MustCompile(`(?i)<h4[^>]*>([\s\S]*?)</h4>`),
		regexp.MustCompile(`(?i)<h5[^>]*>([\s\S]*?)</h5>`),
		regexp.MustCompile(`(?i)<h6[^>]*>([\s\S]*?)</h6>`),
	}
	reParagraph = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem  = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	reAnchor    = regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	rePre       = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	reCode      = regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`)
	reStrong    = regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	reEm        = regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
	reBlockq    = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	reImg       = regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`)
)

// stripNonContent drops elements that never carry article text.
func stripNonContent(html string, stripHeader bool) string {
	s := reScript.ReplaceAllString(html, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	if stripHeader {
		s = reHeader.ReplaceAllString(s, "")
	}
	return s
}

// htmlToMarkdown converts HTML into a markdown-flavoured rendering.
func htmlToMarkdown(html string) string {
	s := stripNonContent(html, false)

	for i, re := range reHeadings {
		marker := strings.Repeat("#", i+1)
		s = re.ReplaceAllString(s, "\n"+marker+" $1\n")
	}

	// Code blocks before generic tag stripping so contents survive.
	s = rePre.ReplaceAllString(s, "\n```\n$1\n```\n")
	s = reCode.ReplaceAllString(s, "`$1`")

	s = reBlockq.ReplaceAllStringFunc(s, func(match string) string {
		inner := reBlockq.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		lines := strings.Split(strings.TrimSpace(inner[1]), "\n")
		for i, l := range lines {
			lines[i] = "> " + strings.TrimSpace(l)
		}
		return "\n" + strings.Join(lines, "\n") + "\n"
	})

	s = reAnchor.ReplaceAllString(s, "[$2]($1)")
	s = reImg.ReplaceAllString(s, "![$1]")
	s = reStrong.ReplaceAllString(s, "**$1**")
	s = reEm.ReplaceAllString(s, "*$1*")
	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")
	s = reTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	s = reMultiSP.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text, keeping paragraph and list structure.
func htmlToText(html string) string {
	s := stripNonContent(html, true)

	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")
	s = reTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = reMultiSP.ReplaceAllString(s, " ")
	s = reMultiNL.ReplaceAllString(s, "\n\n")

	var clean []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

var (
	mdHeaderRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeRe   = regexp.MustCompile("`[^`]+`")
	mdImageRe  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// markdownToText strips markdown formatting for plain-text mode.
func markdownToText(md string) string {
	s := mdHeaderRe.ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = mdCodeRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// decodeHTMLEntities handles the entities that actually show up in practice.
func decodeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&mdash;", "—",
		"&ndash;", "–",
		"&laquo;", "«",
		"&raquo;", "»",
		"&bull;", "•",
		"&hellip;", "...",
		"&copy;", "(c)",
		"&reg;", "(R)",
		"&trade;", "(TM)",
	)
	return replacer.Replace(s)
}
