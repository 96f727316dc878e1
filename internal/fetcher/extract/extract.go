// Package extract pulls outgoing links and media references out of fetched HTML.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

var mediaExtensions = map[string]crawler.MediaKind{
	".jpg": crawler.MediaImage, ".jpeg": crawler.MediaImage, ".png": crawler.MediaImage,
	".gif": crawler.MediaImage, ".bmp": crawler.MediaImage, ".webp": crawler.MediaImage,
	".svg": crawler.MediaImage, ".ico": crawler.MediaImage,

	".pdf": crawler.MediaDocument, ".doc": crawler.MediaDocument, ".docx": crawler.MediaDocument,
	".xls": crawler.MediaDocument, ".xlsx": crawler.MediaDocument, ".ppt": crawler.MediaDocument,
	".pptx": crawler.MediaDocument, ".txt": crawler.MediaDocument, ".rtf": crawler.MediaDocument,

	".zip": crawler.MediaArchive, ".rar": crawler.MediaArchive, ".7z": crawler.MediaArchive,
	".tar": crawler.MediaArchive, ".gz": crawler.MediaArchive, ".bz2": crawler.MediaArchive,

	".mp4": crawler.MediaVideo, ".avi": crawler.MediaVideo, ".mov": crawler.MediaVideo,
	".wmv": crawler.MediaVideo, ".flv": crawler.MediaVideo, ".webm": crawler.MediaVideo,
	".mkv": crawler.MediaVideo,

	".mp3": crawler.MediaAudio, ".wav": crawler.MediaAudio, ".flac": crawler.MediaAudio,
	".aac": crawler.MediaAudio, ".ogg": crawler.MediaAudio, ".wma": crawler.MediaAudio,
}

// KindOf classifies a media URL by its file extension.
func KindOf(rawURL string) (crawler.MediaKind, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return crawler.MediaOther, false
	}
	kind, ok := mediaExtensions[strings.ToLower(path.Ext(u.Path))]
	if !ok {
		return crawler.MediaOther, false
	}
	return kind, true
}

// Result holds what a page links to.
type Result struct {
	Title string
	Links []string
	Media []crawler.MediaRef
}

// FromHTML parses body and resolves every href/src against pageURL. Links are the
// anchors that do not point at media files; duplicates are removed in document
// order.
func FromHTML(body []byte, pageURL string) (Result, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	res := Result{Title: strings.TrimSpace(doc.Find("title").First().Text())}
	seenLinks := map[string]struct{}{}
	seenMedia := map[string]struct{}{}

	addMedia := func(raw, alt string, fallback crawler.MediaKind) {
		abs, ok := resolve(base, raw)
		if !ok {
			return
		}
		if _, dup := seenMedia[abs]; dup {
			return
		}
		kind, known := KindOf(abs)
		if !known {
			kind = fallback
		}
		seenMedia[abs] = struct{}{}
		res.Media = append(res.Media, crawler.MediaRef{URL: abs, Kind: kind, Alt: strings.TrimSpace(alt)})
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		if kind, isMedia := KindOf(abs); isMedia {
			addMedia(abs, s.Text(), kind)
			return
		}
		if _, dup := seenLinks[abs]; dup {
			return
		}
		seenLinks[abs] = struct{}{}
		res.Links = append(res.Links, abs)
	})
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		alt, _ := s.Attr("alt")
		addMedia(src, alt, crawler.MediaImage)
	})
	doc.Find("video[src], video source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		addMedia(src, "", crawler.MediaVideo)
	})
	doc.Find("audio[src], audio source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		addMedia(src, "", crawler.MediaAudio)
	})
	doc.Find("embed[src], object[data]").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			src, _ = s.Attr("data")
		}
		addMedia(src, "", crawler.MediaOther)
	})
	return res, nil
}

func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "javascript:") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme == "" {
		return "", false
	}
	return abs.String(), true
}
