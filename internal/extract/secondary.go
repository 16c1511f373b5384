package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// bodySelectors are tried in order; the first one yielding paragraphs wins.
var bodySelectors = []string{
	"article",
	`[itemprop="articleBody"]`,
	"div.article-body",
	"div.story-body",
	"#article-body",
	"main",
}

// Secondary is the selector-based fallback extractor for pages where
// readability returns little or nothing. It walks known article containers
// and concatenates their paragraphs.
type Secondary struct{}

// NewSecondary constructs the selector extractor.
func NewSecondary() *Secondary {
	return &Secondary{}
}

// Name identifies this extractor in url rows and logs.
func (*Secondary) Name() string {
	return harvest.ExtractorSecondary
}

// Extract gathers paragraph text from the first matching container,
// falling back to every paragraph on the page.
func (*Secondary) Extract(htmlStr, pageURL string) (harvest.ExtractedBody, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return harvest.ExtractedBody{}, fmt.Errorf("parse document: %w", err)
	}

	var text string
	for _, sel := range bodySelectors {
		if text = paragraphs(doc.Find(sel).First()); text != "" {
			break
		}
	}
	if text == "" {
		text = paragraphs(doc.Find("body"))
	}
	if text == "" {
		return harvest.ExtractedBody{}, errors.New("no paragraph content found")
	}

	return harvest.ExtractedBody{
		Text:     CleanText(text),
		Headline: strings.TrimSpace(doc.Find("h1").First().Text()),
		Authors:  findAuthors(doc),
	}, nil
}

func paragraphs(sel *goquery.Selection) string {
	var parts []string
	sel.Find("p").Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n\n")
}

func findAuthors(doc *goquery.Document) []string {
	if content, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok {
		if authors := SplitByline(content); len(authors) > 0 {
			return authors
		}
	}
	if byline := strings.TrimSpace(doc.Find(`[rel="author"]`).First().Text()); byline != "" {
		return SplitByline(byline)
	}
	if byline := strings.TrimSpace(doc.Find(".byline").First().Text()); byline != "" {
		return SplitByline(byline)
	}
	return nil
}
