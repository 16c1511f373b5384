package seed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
	"github.com/nwelch/newsharvest/internal/urlnorm"
)

// DefaultBatchSize is how many prepared records go to the store per Seed
// call when the caller does not choose.
const DefaultBatchSize = 500

// Writer is the store-side operation the seeder needs.
type Writer interface {
	Seed(ctx context.Context, recs []harvest.SeedRecord) (int64, error)
}

// Result summarizes one load. Read minus Discarded minus Seeded is the
// number of rows the store already knew.
type Result struct {
	Read      int
	Seeded    int64
	Discarded int
}

// Seeder turns upstream rows into pending URL records.
type Seeder struct {
	writer    Writer
	batchSize int
	logger    *zap.Logger
}

// New constructs a Seeder. batchSize <= 0 takes DefaultBatchSize.
func New(w Writer, batchSize int, logger *zap.Logger) *Seeder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Seeder{writer: w, batchSize: batchSize, logger: logger}
}

// Load drains the reader, discarding rows that fail normalization, the
// publisher allowlist, or the non-prose path filter, and seeds the rest.
func (s *Seeder) Load(ctx context.Context, reader RowReader) (Result, error) {
	var res Result
	batch := make([]harvest.SeedRecord, 0, s.batchSize)

	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read seed row: %w", err)
		}
		res.Read++

		rec, ok := s.prepare(row)
		if !ok {
			res.Discarded++
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= s.batchSize {
			if err := s.flush(ctx, &res, batch); err != nil {
				return res, err
			}
			batch = batch[:0]
		}
	}
	if err := s.flush(ctx, &res, batch); err != nil {
		return res, err
	}

	s.logger.Info("seeding complete",
		zap.Int("read", res.Read),
		zap.Int64("seeded", res.Seeded),
		zap.Int("discarded", res.Discarded),
		zap.Int64("already_known", int64(res.Read-res.Discarded)-res.Seeded),
	)
	return res, nil
}

func (s *Seeder) prepare(row Row) (harvest.SeedRecord, bool) {
	norm, err := urlnorm.Normalize(row.URL)
	if err != nil {
		s.logger.Debug("discarding unparsable url", zap.String("url", row.URL), zap.Error(err))
		return harvest.SeedRecord{}, false
	}
	label, ok := urlnorm.SourceLabel(urlnorm.Host(norm))
	if !ok {
		s.logger.Debug("discarding non-allowlisted host", zap.String("url", norm))
		return harvest.SeedRecord{}, false
	}
	if urlnorm.NonProsePath(norm) {
		s.logger.Debug("discarding non-prose path", zap.String("url", norm))
		return harvest.SeedRecord{}, false
	}
	return harvest.SeedRecord{
		NormalizedURL:    norm,
		Source:           label,
		GdeltPublishDate: row.PublishDate,
		GdeltThemes:      row.Themes,
		GdeltTone:        row.ToneScores,
	}, true
}

func (s *Seeder) flush(ctx context.Context, res *Result, batch []harvest.SeedRecord) error {
	if len(batch) == 0 {
		return nil
	}
	n, err := s.writer.Seed(ctx, batch)
	if err != nil {
		return fmt.Errorf("seed batch: %w", err)
	}
	res.Seeded += n
	return nil
}
