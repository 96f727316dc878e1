package content

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

const guidePage = `<html><head>
<title>Rain Guide</title>
<meta name="description" content="All about  rain.">
<meta name="keywords" content="rain, weather ,">
</head><body>
<nav>menu</nav>
<h1>Rainfall</h1>
<p>Rain <strong>matters</strong> for <a href="/crops">crops</a>.</p>
<ul><li>Measure</li><li>Record</li></ul>
<ol><li>First</li><li>Second</li></ol>
<blockquote>Water is life.</blockquote>
<pre><code class="language-go">x := 1</code></pre>
<table><tr><th>Crop</th><th>Need</th></tr><tr><td>Wheat</td><td>Low</td></tr></table>
<script>evil()</script>
</body></html>`

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestRendererToMarkdown(t *testing.T) {
	t.Parallel()

	r := NewRenderer(false, nil)
	md, err := r.ToMarkdown([]byte(guidePage), "https://farm.example/guide")
	require.NoError(t, err)

	assert.Contains(t, md, "# Rainfall")
	assert.Contains(t, md, "Rain **matters** for [crops](https://farm.example/crops).")
	assert.Contains(t, md, "- Measure")
	assert.Contains(t, md, "- Record")
	assert.Contains(t, md, "First")
	assert.Contains(t, md, "> Water is life.")
	assert.Contains(t, md, "```go")
	assert.Contains(t, md, "x := 1")
	assert.Contains(t, md, "Wheat")
	assert.NotContains(t, md, "menu")
	assert.NotContains(t, md, "evil")
	assert.NotContains(t, md, "\n\n\n")
}

func TestRendererLooseText(t *testing.T) {
	t.Parallel()

	r := NewRenderer(false, nil)
	md, err := r.ToMarkdown([]byte(`<div>loose   text <em>here</em><div>inner block</div></div>`), "https://x.example/")
	require.NoError(t, err)
	assert.Contains(t, md, "loose text")
	assert.Contains(t, md, "inner block")
}

func TestRendererRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewRenderer(false, nil).ToMarkdown([]byte("<p>x</p>"), "://bad")
	require.Error(t, err)
}

func TestRendererWithReadability(t *testing.T) {
	t.Parallel()

	body := `<html><head><title>Harvest</title></head><body>
<div class="sidebar"><a href="/a">Link</a> <a href="/b">Link</a></div>
<article><h2>Harvest timing</h2>` + strings.Repeat("<p>Harvest wheat when the kernels are hard and the moisture is low enough for storage.</p>", 8) + `</article>
</body></html>`
	md, err := NewRenderer(true, nil).ToMarkdown([]byte(body), "https://farm.example/harvest")
	require.NoError(t, err)
	assert.Contains(t, md, "Harvest wheat when the kernels are hard")
}

func TestExtractMetadata(t *testing.T) {
	t.Parallel()

	meta := ExtractMetadata([]byte(guidePage))
	assert.Equal(t, "Rain Guide", meta.Title)
	assert.Equal(t, "All about rain.", meta.Description)
	assert.Equal(t, []string{"rain", "weather"}, meta.Keywords)

	meta = ExtractMetadata([]byte(`<html><body><h1> Only  Heading </h1></body></html>`))
	assert.Equal(t, "Only Heading", meta.Title)

	meta = ExtractMetadata([]byte(`<html><head><meta property="og:description" content="og text"></head><body><p>x</p></body></html>`))
	assert.Equal(t, UntitledDocument, meta.Title)
	assert.Equal(t, "og text", meta.Description)
}

func TestQualityScore(t *testing.T) {
	t.Parallel()

	assert.Zero(t, QualityScore([]byte("<html><body><script>x()</script></body></html>")))

	rich := "<h1>Soil</h1><h2>Care</h2><h3>Tips</h3>" +
		strings.Repeat("<p>Healthy soil holds water and feeds the crops that grow in it every season.</p>", 40)
	thin := `<div><a href="/1">1</a><a href="/2">2</a></div>`
	richScore := QualityScore([]byte(rich))
	thinScore := QualityScore([]byte(thin))
	assert.Greater(t, richScore, thinScore)
	assert.LessOrEqual(t, richScore, 1.0)
	assert.GreaterOrEqual(t, thinScore, 0.0)
}

func page(url, body string) crawler.RawPage {
	return crawler.RawPage{URL: url, FinalURL: url, StatusCode: 200, HTML: []byte(body), Success: true}
}

func newProcessor(t *testing.T, cfg Config) *Processor {
	t.Helper()
	p, err := NewProcessor(cfg, NewRenderer(false, nil), fixedClock{t: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	return p
}

func TestProcessAcceptsDocument(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, Config{MinContentLength: 20})
	in := page("https://farm.example/guide", guidePage)
	in.Media = []crawler.MediaRef{{URL: "https://farm.example/a.png", Kind: crawler.MediaImage}}
	in.Depth = 2

	res, err := p.Process(in)
	require.NoError(t, err)
	require.True(t, res.Accepted())

	doc := res.Document
	assert.Equal(t, "Rain Guide", doc.Title)
	assert.Equal(t, "https://farm.example/guide", doc.URL)
	assert.Len(t, doc.ContentHash, 64)
	assert.Len(t, doc.Media, 1)
	assert.Equal(t, 2, doc.Depth)
	assert.Greater(t, doc.QualityScore, 0.0)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), doc.ProcessedAt)
}

func TestProcessRejectsTooShort(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, Config{MinContentLength: DefaultMinContentLength})
	res, err := p.Process(page("https://x.example/", "<p>tiny</p>"))
	require.NoError(t, err)
	assert.Equal(t, crawler.RejectTooShort, res.Rejected)
	assert.Zero(t, p.Seen())
}

func TestProcessRejectsLowQuality(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, Config{MinContentLength: 1, MinQualityScore: 0.99})
	res, err := p.Process(page("https://x.example/", "<p>Some words but not many of them at all.</p>"))
	require.NoError(t, err)
	assert.Equal(t, crawler.RejectLowQuality, res.Rejected)
}

func TestProcessRejectsDuplicateContent(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, Config{MinContentLength: 20})
	first, err := p.Process(page("https://farm.example/guide", guidePage))
	require.NoError(t, err)
	require.True(t, first.Accepted())

	second, err := p.Process(page("https://farm.example/guide", guidePage))
	require.NoError(t, err)
	assert.Equal(t, crawler.RejectDuplicate, second.Rejected)
	assert.Equal(t, first.Document.ContentHash, second.Document.ContentHash)
}

func TestContentHashIsStableAcrossRuns(t *testing.T) {
	t.Parallel()

	a, err := newProcessor(t, Config{}).Process(page("https://farm.example/guide", guidePage))
	require.NoError(t, err)
	b, err := newProcessor(t, Config{}).Process(page("https://farm.example/guide", guidePage))
	require.NoError(t, err)
	require.True(t, a.Accepted())
	require.True(t, b.Accepted())
	assert.Equal(t, a.Document.ContentHash, b.Document.ContentHash)
}

func TestProcessDedupIsSharedAcrossWorkers(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, Config{MinContentLength: 20})
	var accepted, duplicates atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Process(page("https://farm.example/guide", guidePage))
			if err != nil {
				return
			}
			if res.Accepted() {
				accepted.Add(1)
			} else if res.Rejected == crawler.RejectDuplicate {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, 15, duplicates.Load())
}
