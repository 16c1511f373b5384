// Package seed loads candidate URLs from the upstream discovery stage,
// normalizes and filters them, and bulk-inserts the survivors as pending
// rows. Seeding is idempotent: URLs already known to the store are ignored.
package seed

import "io"

// Row is one upstream candidate as delivered by the discovery stage. All
// fields are raw strings; the seeder derives its own source label from the
// host and treats the upstream source column as advisory.
type Row struct {
	URL         string
	PublishDate string
	Source      string
	Themes      string
	ToneScores  string
}

// RowReader yields upstream rows. Next returns io.EOF when the input is
// exhausted; any other error aborts the load.
type RowReader interface {
	Next() (Row, error)
}

// SliceReader serves rows from memory. Test use mostly.
type SliceReader struct {
	rows []Row
	pos  int
}

// NewSliceReader wraps rows in a RowReader.
func NewSliceReader(rows []Row) *SliceReader {
	return &SliceReader{rows: rows}
}

// Next implements RowReader.
func (s *SliceReader) Next() (Row, error) {
	if s.pos >= len(s.rows) {
		return Row{}, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}
