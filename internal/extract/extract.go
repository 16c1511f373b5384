// Package extract recovers article text and metadata from fetched HTML.
//
// Two extractors implement the same interface: the readability port is the
// primary path and a goquery selector walk is the fallback for layouts
// readability trips over. Metadata (headline, authors, publish date) is
// parsed separately from JSON-LD and OpenGraph tags so the cascade can
// combine body and metadata from different stages.
package extract

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// DecodeHTML converts a raw response body to a UTF-8 string, sniffing the
// charset when the bytes are not already valid UTF-8.
func DecodeHTML(body []byte) (string, error) {
	if utf8.Valid(body) {
		return string(body), nil
	}
	res, err := chardet.NewHtmlDetector().DetectBest(body)
	if err != nil {
		return "", fmt.Errorf("detect charset: %w", err)
	}
	enc, err := htmlindex.Get(res.Charset)
	if err != nil {
		return "", fmt.Errorf("unsupported charset %q: %w", res.Charset, err)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", res.Charset, err)
	}
	return string(decoded), nil
}

// CleanText normalizes extracted prose for storage: entities unescaped,
// NUL and carriage returns removed, runs of spaces collapsed, and blank
// lines reduced to paragraph breaks.
func CleanText(s string) string {
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r", "")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// ContentKey canonicalizes text for duplicate detection: lowercased with
// all whitespace runs collapsed, so formatting differences between two
// copies of the same wire story do not defeat the content hash.
func ContentKey(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// WordCount counts whitespace-separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
