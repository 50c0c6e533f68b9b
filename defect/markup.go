package defect

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PlainText strips markup from rich text, decodes entities and collapses
// whitespace. Block-level boundaries become single spaces. Text that is
// empty after stripping yields "".
func PlainText(markup string) string {
	if strings.TrimSpace(markup) == "" {
		return ""
	}
	z := nethtml.NewTokenizer(strings.NewReader(markup))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case nethtml.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case nethtml.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				skip++
			}
			if blockAtoms[a] {
				b.WriteByte(' ')
			}
		case nethtml.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if (a == atom.Script || a == atom.Style) && skip > 0 {
				skip--
			}
			if blockAtoms[a] {
				b.WriteByte(' ')
			}
		}
	}
}

var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.Td: true, atom.Th: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Table: true, atom.Ul: true,
	atom.Ol: true, atom.Blockquote: true, atom.Pre: true, atom.Hr: true,
}

// htmlStructureRe detects markup worth preserving; anything else is plain text.
var htmlStructureRe = regexp.MustCompile(`(?i)<(p|div|br|table|tr|td|ul|ol|li|h[1-6])\b`)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// displayPolicy keeps document structure and links, drops styles, scripts and
// presentational wrappers such as font and span (their text is kept).
func displayPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements("p", "div", "br", "hr", "pre", "code", "blockquote",
			"b", "strong", "i", "em", "u", "s", "sub", "sup",
			"ul", "ol", "li", "h1", "h2", "h3", "h4", "h5", "h6",
			"table", "thead", "tbody", "tfoot", "tr", "td", "th")
		p.AllowAttrs("href").OnElements("a")
		p.AllowAttrs("src", "alt").OnElements("img")
		p.AllowStandardURLs()
		p.RequireNoFollowOnLinks(false)
		policy = p
	})
	return policy
}

// CleanHTML prepares rich text for rendering. Plain text is escaped with
// newlines turned into <br>; markup is sanitised.
func CleanHTML(content string) string {
	if content == "" {
		return ""
	}
	if !htmlStructureRe.MatchString(content) && !strings.Contains(strings.ToLower(content), "<font") {
		return textToHTML(content)
	}
	return displayPolicy().Sanitize(content)
}

func textToHTML(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>\n")
}

var (
	mdOnce sync.Once
	mdConv *converter.Converter
)

// Markdown renders rich text as Markdown for terminal display.
func Markdown(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}
	mdOnce.Do(func() {
		mdConv = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
	md, err := mdConv.ConvertString(CleanHTML(content))
	if err != nil {
		return "", fmt.Errorf("defect: markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

var (
	commentSeparatorRe = regexp.MustCompile(`_{10,}\.?\s*\n?`)
	commentHeaderRe    = regexp.MustCompile(
		`(?m)^([A-Za-z][A-Za-z0-9\s,.'()@<>_-]+?),?\s*` +
			`(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}[/-]\d{1,2}[/-]\d{1,2})` +
			`(?:\[([A-Za-z/\-]+)\])?` +
			`\s*:\s*`)
)

// FormatDevComments splits a developer-notes thread on its underscore
// separators and renders each entry as a comment block with author and
// ISO date when a header is recognised.
func FormatDevComments(content string) string {
	if content == "" {
		return ""
	}
	var blocks []string
	for _, b := range commentSeparatorRe.Split(content, -1) {
		if b = strings.TrimSpace(b); b != "" {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) <= 1 && !commentHeaderRe.MatchString(content) {
		return textToHTML(content)
	}

	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		loc := commentHeaderRe.FindStringSubmatchIndex(block)
		if loc == nil || loc[0] != 0 {
			parts = append(parts, `<div class="comment-block"><div class="comment-body">`+
				textToHTML(block)+`</div></div>`)
			continue
		}
		author := html.EscapeString(strings.TrimSpace(block[loc[2]:loc[3]]))
		rawDate := strings.TrimSpace(block[loc[4]:loc[5]])
		hint := ""
		if loc[6] >= 0 {
			hint = block[loc[6]:loc[7]]
		}
		body := strings.TrimSpace(block[loc[1]:])
		parts = append(parts, `<div class="comment-block">`+
			`<div class="comment-header">`+
			`<span class="comment-author">`+author+`</span>`+
			`<span class="comment-date">`+html.EscapeString(ISODate(rawDate, hint))+`</span>`+
			`</div>`+
			`<div class="comment-body">`+textToHTML(body)+`</div>`+
			`</div>`)
	}
	return strings.Join(parts, "\n")
}

var hintLayouts = map[string]string{
	"M/d/yyyy":   "1/2/2006",
	"dd-MM-yyyy": "2-1-2006",
	"yyyy-MM-dd": "2006-1-2",
	"d/M/yyyy":   "2/1/2006",
}

var commentDateLayouts = []string{
	"1/2/2006", "1/2/06",
	"2-1-2006", "2-1-06",
	"2006-1-2", "2006/1/2",
	"2/1/2006", "2/1/06",
}

// ISODate converts a comment header date to YYYY-MM-DD. A format hint such
// as "M/d/yyyy" is tried first; otherwise common layouts are tried and only a
// year between 2020 and 2030 is accepted. Unparseable input is returned as is.
func ISODate(s, hint string) string {
	if layout, ok := hintLayouts[hint]; ok {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	for _, layout := range commentDateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if y := t.Year(); y >= 2020 && y <= 2030 {
			return t.Format("2006-01-02")
		}
	}
	return s
}
