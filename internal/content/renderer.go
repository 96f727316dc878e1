package content

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/nao1215/markdown"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Boilerplate removed before conversion.
const strippedSelectors = "script, style, noscript, template, iframe, svg, canvas, form, nav, footer, aside, header"

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Renderer converts HTML into markdown. With readability enabled the main
// article is isolated first; the full body is used when extraction fails.
type Renderer struct {
	readability bool
	logger      *zap.Logger
}

// NewRenderer builds a Renderer.
func NewRenderer(useReadability bool, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{readability: useReadability, logger: logger.Named("renderer")}
}

// ToMarkdown renders page HTML to markdown. Relative links are resolved
// against pageURL.
func (r *Renderer) ToMarkdown(body []byte, pageURL string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}

	source := body
	if r.readability {
		article, err := readability.FromReader(bytes.NewReader(body), base)
		switch {
		case err != nil:
			r.logger.Debug("readability failed, using full body", zap.String("url", pageURL), zap.Error(err))
		case strings.TrimSpace(article.Content) != "":
			source = []byte(article.Content)
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(source))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(strippedSelectors).Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	w := &mdWriter{md: markdown.NewMarkdown(io.Discard), base: base}
	for _, n := range root.Nodes {
		w.blockChildren(n)
	}
	w.flush()
	if err := w.md.Error(); err != nil {
		return "", fmt.Errorf("build markdown: %w", err)
	}

	out := blankRuns.ReplaceAllString(w.md.String(), "\n\n")
	return strings.TrimSpace(out), nil
}

// mdWriter walks block-level nodes and emits markdown blocks separated by blank
// lines. Loose inline content between blocks is buffered into a paragraph.
type mdWriter struct {
	md      *markdown.Markdown
	base    *url.URL
	pending strings.Builder
}

func (w *mdWriter) blockChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.block(c)
	}
}

func (w *mdWriter) block(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.pending.WriteString(n.Data)
		return
	case html.ElementNode:
	default:
		w.blockChildren(n)
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.flush()
		if text := w.inline(n); text != "" {
			w.heading(n.DataAtom, text)
		}
	case atom.P:
		w.flush()
		w.paragraph(w.inline(n))
	case atom.Ul, atom.Ol:
		w.flush()
		items := w.listItems(n)
		if len(items) == 0 {
			return
		}
		if n.DataAtom == atom.Ol {
			w.md.OrderedList(items...)
		} else {
			w.md.BulletList(items...)
		}
		w.md.PlainText("")
	case atom.Blockquote:
		w.flush()
		if text := w.inline(n); text != "" {
			w.md.Blockquote(text)
			w.md.PlainText("")
		}
	case atom.Pre:
		w.flush()
		code := strings.Trim(textContent(n), "\n")
		if strings.TrimSpace(code) != "" {
			w.md.CodeBlocks(markdown.SyntaxHighlight(codeLanguage(n)), code)
			w.md.PlainText("")
		}
	case atom.Table:
		w.flush()
		w.table(n)
	case atom.Hr:
		w.flush()
		w.md.HorizontalRule()
		w.md.PlainText("")
	case atom.Br:
		w.pending.WriteString("\n")
	case atom.Div, atom.Section, atom.Article, atom.Main, atom.Body, atom.Html,
		atom.Figure, atom.Details, atom.Dl, atom.Center:
		w.flush()
		w.blockChildren(n)
		w.flush()
	default:
		w.pending.WriteString(w.inline(n))
		w.pending.WriteString(" ")
	}
}

func (w *mdWriter) flush() {
	text := w.pending.String()
	w.pending.Reset()
	w.paragraph(collapse(text))
}

func (w *mdWriter) paragraph(text string) {
	if text == "" {
		return
	}
	w.md.PlainText(text)
	w.md.PlainText("")
}

func (w *mdWriter) heading(level atom.Atom, text string) {
	switch level {
	case atom.H1:
		w.md.H1(text)
	case atom.H2:
		w.md.H2(text)
	case atom.H3:
		w.md.H3(text)
	case atom.H4:
		w.md.H4(text)
	case atom.H5:
		w.md.H5(text)
	default:
		w.md.H6(text)
	}
	w.md.PlainText("")
}

func (w *mdWriter) listItems(n *html.Node) []string {
	var items []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}
		if text := w.inline(c); text != "" {
			items = append(items, text)
		}
	}
	return items
}

func (w *mdWriter) table(n *html.Node) {
	sel := goquery.NewDocumentFromNode(n).Selection
	var header []string
	var rows [][]string
	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		isHeader := false
		tr.Children().Each(func(_ int, cell *goquery.Selection) {
			if goquery.NodeName(cell) == "th" {
				isHeader = true
			}
			cells = append(cells, strings.ReplaceAll(w.inline(cell.Nodes[0]), "|", "\\|"))
		})
		if len(cells) == 0 {
			return
		}
		if header == nil && (isHeader || len(rows) == 0) {
			header = cells
			return
		}
		rows = append(rows, padRow(cells, len(header)))
	})
	if len(header) == 0 {
		return
	}
	w.md.Table(markdown.TableSet{Header: header, Rows: rows})
	w.md.PlainText("")
}

// inline renders the children of n as one line of markdown text.
func (w *mdWriter) inline(n *html.Node) string {
	var b strings.Builder
	w.inlineChildren(&b, n)
	return collapse(b.String())
}

func (w *mdWriter) inlineChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.inlineNode(b, c)
	}
}

func (w *mdWriter) inlineNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
	default:
		return
	}

	inner := func() string {
		var ib strings.Builder
		w.inlineChildren(&ib, n)
		return collapse(ib.String())
	}

	switch n.DataAtom {
	case atom.A:
		text := inner()
		href := w.resolve(attr(n, "href"))
		switch {
		case text == "":
		case href == "":
			b.WriteString(text)
		default:
			b.WriteString(markdown.Link(text, href))
		}
	case atom.Strong, atom.B:
		if text := inner(); text != "" {
			b.WriteString(markdown.Bold(text))
		}
	case atom.Em, atom.I:
		if text := inner(); text != "" {
			b.WriteString(markdown.Italic(text))
		}
	case atom.Code:
		if text := collapse(textContent(n)); text != "" {
			b.WriteString(markdown.Code(text))
		}
	case atom.Del, atom.S:
		if text := inner(); text != "" {
			b.WriteString(markdown.Strikethrough(text))
		}
	case atom.Br:
		b.WriteString(" ")
	case atom.Img:
		// Media is catalogued separately.
	case atom.Span, atom.Abbr, atom.Small, atom.Sub, atom.Sup, atom.Mark, atom.U,
		atom.Label, atom.Time, atom.Cite, atom.Q, atom.Font:
		w.inlineChildren(b, n)
	default:
		b.WriteString(" ")
		w.inlineChildren(b, n)
		b.WriteString(" ")
	}
}

func (w *mdWriter) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if w.base == nil {
		return ref.String()
	}
	return w.base.ResolveReference(ref).String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func codeLanguage(pre *html.Node) string {
	for n := pre; n != nil; n = n.FirstChild {
		for _, class := range strings.Fields(attr(n, "class")) {
			if lang, ok := strings.CutPrefix(class, "language-"); ok {
				return lang
			}
			if lang, ok := strings.CutPrefix(class, "lang-"); ok {
				return lang
			}
		}
		if n.FirstChild == nil || n.FirstChild.Type != html.ElementNode {
			break
		}
	}
	return ""
}

func padRow(cells []string, width int) []string {
	for len(cells) < width {
		cells = append(cells, "")
	}
	if width > 0 && len(cells) > width {
		cells = cells[:width]
	}
	return cells
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
