package seed

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Column names recognized in the CSV header, case-insensitive. Only url is
// mandatory; absent columns yield empty fields.
const (
	colURL         = "url"
	colPublishDate = "publish_date"
	colSource      = "source"
	colThemes      = "themes"
	colToneScores  = "tone_scores"
)

// CSVReader adapts an RFC 4180 file with a header row to the RowReader
// interface. Column order does not matter; unknown columns are ignored.
type CSVReader struct {
	r   *csv.Reader
	idx map[string]int
}

// NewCSVReader reads the header row and maps the recognized columns.
func NewCSVReader(r io.Reader) (*CSVReader, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := idx[colURL]; !ok {
		return nil, fmt.Errorf("csv header has no %q column", colURL)
	}
	return &CSVReader{r: cr, idx: idx}, nil
}

// Next returns the next row, io.EOF at end of input.
func (c *CSVReader) Next() (Row, error) {
	rec, err := c.r.Read()
	if err != nil {
		return Row{}, err
	}
	return Row{
		URL:         c.field(rec, colURL),
		PublishDate: c.field(rec, colPublishDate),
		Source:      c.field(rec, colSource),
		Themes:      c.field(rec, colThemes),
		ToneScores:  c.field(rec, colToneScores),
	}, nil
}

func (c *CSVReader) field(rec []string, name string) string {
	i, ok := c.idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
