package extract

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// Metadata is what the structured-data scan recovers from a page.
type Metadata struct {
	Headline    string
	Authors     []string
	PublishDate *time.Time
	DateSource  harvest.DateSource
}

var articleTypes = map[string]bool{
	"NewsArticle":           true,
	"ReportageNewsArticle":  true,
	"AnalysisNewsArticle":   true,
	"BackgroundNewsArticle": true,
	"Article":               true,
}

// ParseMetadata scans JSON-LD blocks first and fills gaps from OpenGraph
// tags. JSON-LD wins because publishers keep it more accurate than the
// social-preview tags.
func ParseMetadata(htmlStr string) Metadata {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return Metadata{}
	}

	md := parseJSONLD(doc)
	og := parseOpenGraph(doc)
	if md.Headline == "" {
		md.Headline = og.Headline
	}
	if len(md.Authors) == 0 {
		md.Authors = og.Authors
	}
	if md.PublishDate == nil && og.PublishDate != nil {
		md.PublishDate = og.PublishDate
		md.DateSource = harvest.DateSourceOpenGraph
	}
	return md
}

type jsonLDNode struct {
	Type          json.RawMessage `json:"@type"`
	Graph         []jsonLDNode    `json:"@graph"`
	Headline      string          `json:"headline"`
	DatePublished string          `json:"datePublished"`
	Author        json.RawMessage `json:"author"`
}

func parseJSONLD(doc *goquery.Document) Metadata {
	var md Metadata
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		for _, node := range decodeJSONLD(raw) {
			if !isArticleNode(node) {
				continue
			}
			md.Headline = strings.TrimSpace(node.Headline)
			md.Authors = decodeAuthors(node.Author)
			if t := ParseDate(node.DatePublished); t != nil {
				md.PublishDate = t
				md.DateSource = harvest.DateSourceJSONLD
			}
			return false
		}
		return true
	})
	return md
}

// decodeJSONLD tolerates the three shapes publishers emit: a single
// object, a top-level array, and an @graph wrapper.
func decodeJSONLD(raw string) []jsonLDNode {
	var single jsonLDNode
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		if len(single.Graph) > 0 {
			return single.Graph
		}
		return []jsonLDNode{single}
	}
	var list []jsonLDNode
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}
	return nil
}

func isArticleNode(node jsonLDNode) bool {
	if len(node.Type) == 0 {
		return false
	}
	var one string
	if err := json.Unmarshal(node.Type, &one); err == nil {
		return articleTypes[one]
	}
	var many []string
	if err := json.Unmarshal(node.Type, &many); err == nil {
		for _, t := range many {
			if articleTypes[t] {
				return true
			}
		}
	}
	return false
}

type jsonLDPerson struct {
	Name string `json:"name"`
}

func decodeAuthors(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return SplitByline(name)
	}
	var person jsonLDPerson
	if err := json.Unmarshal(raw, &person); err == nil && person.Name != "" {
		return []string{strings.TrimSpace(person.Name)}
	}
	var people []jsonLDPerson
	if err := json.Unmarshal(raw, &people); err == nil {
		var out []string
		for _, p := range people {
			if n := strings.TrimSpace(p.Name); n != "" {
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

func parseOpenGraph(doc *goquery.Document) Metadata {
	var md Metadata
	if title, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		md.Headline = strings.TrimSpace(title)
	}
	if date, ok := doc.Find(`meta[property="article:published_time"]`).Attr("content"); ok {
		md.PublishDate = ParseDate(date)
	}
	if author, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok {
		md.Authors = SplitByline(author)
	}
	return md
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseDate tries the publish-date layouts seen across the allowlisted
// publishers, returning nil when none match.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// SplitByline breaks a byline string into individual author names.
func SplitByline(byline string) []string {
	byline = strings.TrimSpace(byline)
	byline = strings.TrimPrefix(byline, "By ")
	byline = strings.TrimPrefix(byline, "by ")
	if byline == "" {
		return nil
	}
	byline = strings.ReplaceAll(byline, " and ", ",")
	byline = strings.ReplaceAll(byline, ";", ",")
	var out []string
	for _, part := range strings.Split(byline, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}
