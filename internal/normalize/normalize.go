// Package normalize converts raw fetched payloads into a canonical markdown
// representation. Output is deterministic: identical input bytes always
// produce identical output.
package normalize

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/sells-group/webtools/internal/model"
)

// Document normalizes a fetched body into markdown. HTML payloads are
// converted structurally (headings, lists, links, tables); plain text is
// whitespace-collapsed. Any other content type fails with the unsupported
// content type kind.
func Document(raw []byte, contentType, sourceURL string) (*model.NormalizedDocument, error) {
	mediaType := mediaTypeOf(contentType, raw)

	switch {
	case isHTMLType(mediaType):
		return htmlDocument(raw, sourceURL)
	case strings.HasPrefix(mediaType, "text/"):
		return &model.NormalizedDocument{
			Markdown:  collapseText(string(raw)),
			SourceURL: sourceURL,
		}, nil
	default:
		return nil, model.NewError(model.KindUnsupportedContent,
			"normalize: cannot convert %q", mediaType)
	}
}

func mediaTypeOf(contentType string, raw []byte) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			return mt
		}
	}
	// Sniff when the header is absent or malformed.
	mt, _, err := mime.ParseMediaType(http.DetectContentType(raw))
	if err != nil {
		return ""
	}
	return mt
}

func isHTMLType(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func htmlDocument(raw []byte, sourceURL string) (*model.NormalizedDocument, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "normalize: parse html")
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = collapseInline(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, noscript, template").Remove()

	base, _ := url.Parse(sourceURL)

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	r := &renderer{base: base}
	for _, n := range root.Nodes {
		r.container(n, "")
	}

	return &model.NormalizedDocument{
		Title:     title,
		Markdown:  strings.TrimSpace(strings.Join(r.blocks, "\n\n")),
		SourceURL: sourceURL,
	}, nil
}

// renderer walks the parsed tree and emits one markdown block per
// block-level element, in document order.
type renderer struct {
	blocks []string
	base   *url.URL
}

var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true,
	"figure": true, "figcaption": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true,
	"ul": true,
}

// container renders a node whose children mix block and inline content.
// Consecutive inline children are grouped into a single paragraph.
func (r *renderer) container(n *html.Node, listIndent string) {
	var run []string
	flush := func() {
		p := collapseInline(strings.Join(run, ""))
		if p != "" {
			r.blocks = append(r.blocks, p)
		}
		run = nil
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && blockTags[c.Data] {
			flush()
			r.block(c, listIndent)
			continue
		}
		run = append(run, r.inline(c))
	}
	flush()
}

func (r *renderer) block(n *html.Node, listIndent string) {
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(n.Data[1] - '0')
		text := collapseInline(r.inlineChildren(n))
		if text != "" {
			r.blocks = append(r.blocks, strings.Repeat("#", level)+" "+text)
		}
	case "p", "dt", "dd", "figcaption":
		text := collapseInline(r.inlineChildren(n))
		if text != "" {
			r.blocks = append(r.blocks, text)
		}
	case "ul":
		if list := r.list(n, listIndent, ""); list != "" {
			r.blocks = append(r.blocks, list)
		}
	case "ol":
		if list := r.list(n, listIndent, "1"); list != "" {
			r.blocks = append(r.blocks, list)
		}
	case "table":
		if tbl := r.table(n); tbl != "" {
			r.blocks = append(r.blocks, tbl)
		}
	case "pre":
		code := strings.Trim(textContent(n), "\n")
		if code != "" {
			r.blocks = append(r.blocks, "```\n"+code+"\n```")
		}
	case "blockquote":
		sub := &renderer{base: r.base}
		sub.container(n, "")
		if len(sub.blocks) > 0 {
			quoted := strings.Join(sub.blocks, "\n\n")
			lines := strings.Split(quoted, "\n")
			for i, line := range lines {
				lines[i] = "> " + line
			}
			r.blocks = append(r.blocks, strings.Join(lines, "\n"))
		}
	case "hr":
		r.blocks = append(r.blocks, "---")
	default:
		// Generic container (div, section, article, ...).
		r.container(n, listIndent)
	}
}

// list renders ul/ol items. Nested lists are indented under their parent
// item. marker "" means bullets; "1" means ordered numbering.
func (r *renderer) list(n *html.Node, indent, marker string) string {
	var lines []string
	idx := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "li" {
			continue
		}
		idx++

		prefix := indent + "- "
		if marker != "" {
			prefix = fmt.Sprintf("%s%d. ", indent, idx)
		}

		text := collapseInline(r.inlineChildren(c))
		if text != "" {
			lines = append(lines, prefix+text)
		}

		// Nested lists inside this item.
		for g := c.FirstChild; g != nil; g = g.NextSibling {
			if g.Type == html.ElementNode && (g.Data == "ul" || g.Data == "ol") {
				nestedMarker := ""
				if g.Data == "ol" {
					nestedMarker = "1"
				}
				if nested := r.list(g, indent+"  ", nestedMarker); nested != "" {
					lines = append(lines, nested)
				}
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (r *renderer) table(n *html.Node) string {
	var rows []string
	first := true

	var visit func(*html.Node)
	visit = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "thead", "tbody", "tfoot":
				visit(c)
			case "tr":
				var cells []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.Data == "td" || cell.Data == "th") {
						cells = append(cells, collapseInline(r.inlineChildren(cell)))
					}
				}
				if len(cells) == 0 {
					continue
				}
				rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
				if first {
					seps := make([]string, len(cells))
					for i := range seps {
						seps[i] = "---"
					}
					rows = append(rows, "| "+strings.Join(seps, " | ")+" |")
					first = false
				}
			}
		}
	}
	visit(n)
	return strings.Join(rows, "\n")
}

// inline renders phrasing content: links keep their URLs, emphasis and
// inline code keep markdown markers, nested block elements degrade to their
// plain text.
func (r *renderer) inline(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return n.Data
	case html.ElementNode:
		switch n.Data {
		case "a":
			text := collapseInline(r.inlineChildren(n))
			href := r.resolveHref(attr(n, "href"))
			if href == "" {
				return text
			}
			if text == "" {
				text = href
			}
			return "[" + text + "](" + href + ")"
		case "img":
			alt := attr(n, "alt")
			src := r.resolveHref(attr(n, "src"))
			if src == "" {
				return alt
			}
			return "![" + alt + "](" + src + ")"
		case "strong", "b":
			if text := collapseInline(r.inlineChildren(n)); text != "" {
				return "**" + text + "**"
			}
			return ""
		case "em", "i":
			if text := collapseInline(r.inlineChildren(n)); text != "" {
				return "*" + text + "*"
			}
			return ""
		case "code":
			if text := collapseInline(textContent(n)); text != "" {
				return "`" + text + "`"
			}
			return ""
		case "br":
			return " "
		case "ul", "ol", "table", "pre":
			// Rendered as blocks by the caller (list items handle their
			// own nesting); never flattened into phrasing content.
			return ""
		default:
			return r.inlineChildren(n)
		}
	default:
		return ""
	}
}

func (r *renderer) inlineChildren(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(r.inline(c))
	}
	return sb.String()
}

func (r *renderer) resolveHref(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	if r.base == nil {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return r.base.ResolveReference(u).String()
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// collapseInline flattens all whitespace runs in phrasing content to single
// spaces.
func collapseInline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	spaceRe   = regexp.MustCompile(`[ \t]+`)
	newlineRe = regexp.MustCompile(`\n{3,}`)
)

// collapseText normalizes plain-text payloads: single spaces within lines,
// at most one blank line between paragraphs.
func collapseText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spaceRe.ReplaceAllString(s, " ")
	s = newlineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
