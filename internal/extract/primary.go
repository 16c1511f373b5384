package extract

import (
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// Primary extracts article bodies with the readability port. It handles
// the common news layouts and strips navigation, ads, and related-story
// modules on its own.
type Primary struct{}

// NewPrimary constructs the readability extractor.
func NewPrimary() *Primary {
	return &Primary{}
}

// Name identifies this extractor in url rows and logs.
func (*Primary) Name() string {
	return harvest.ExtractorPrimary
}

// Extract runs readability over the document.
func (*Primary) Extract(htmlStr, pageURL string) (harvest.ExtractedBody, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return harvest.ExtractedBody{}, fmt.Errorf("parse page url: %w", err)
	}
	article, err := readability.FromReader(strings.NewReader(htmlStr), u)
	if err != nil {
		return harvest.ExtractedBody{}, fmt.Errorf("readability: %w", err)
	}
	return harvest.ExtractedBody{
		Text:          CleanText(article.TextContent),
		Headline:      strings.TrimSpace(article.Title),
		Authors:       SplitByline(article.Byline),
		PublishedHint: article.PublishedTime,
	}, nil
}
