package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/harvest"
)

func newTestWriter(t *testing.T, batchSize int, flushInterval time.Duration) (*Writer, *SQLite) {
	t.Helper()
	st, clk := openTestStore(t)
	w := NewWriter(st, clk, batchSize, 0, flushInterval, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w, st
}

func TestWriterConcurrentMutations(t *testing.T) {
	t.Parallel()
	w, st := newTestWriter(t, 8, 20*time.Millisecond)
	ctx := context.Background()

	urls := []string{
		"https://apnews.com/article/a1",
		"https://apnews.com/article/a2",
		"https://apnews.com/article/a3",
		"https://apnews.com/article/a4",
	}
	recs := make([]harvest.SeedRecord, len(urls))
	for i, u := range urls {
		recs[i] = seedRecord(u, "apnews")
	}
	n, err := w.Seed(ctx, recs)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	var wg sync.WaitGroup
	errs := make(chan error, len(urls))
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := w.RecordSuccess(ctx, testArticle(u, "apnews", "Body "+u, "hash-"+u), harvest.ExtractorPrimary)
				errs <- err
				return
			}
			errs <- w.RecordFailure(ctx, u, FailureUpdate{
				Status:       harvest.StatusErrorNetwork,
				ErrorMessage: "connect timeout",
				BlockReason:  harvest.BlockTransport,
			})
		}(i, u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	success, err := st.CountByStatus(ctx, harvest.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(2), success)
	failed, err := st.CountByStatus(ctx, harvest.StatusErrorNetwork)
	require.NoError(t, err)
	assert.Equal(t, int64(2), failed)
}

func TestWriterControlFlushesOpenBatch(t *testing.T) {
	t.Parallel()
	// Batch and interval both too large to flush on their own: only the
	// control op can make the mutation visible.
	w, st := newTestWriter(t, 1000, time.Minute)
	ctx := context.Background()

	const url = "https://apnews.com/article/a1"
	_, err := w.Seed(ctx, []harvest.SeedRecord{seedRecord(url, "apnews")})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- w.RecordFailure(ctx, url, FailureUpdate{
			Status:      harvest.StatusDead,
			BlockReason: harvest.BlockDeleted,
		})
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = w.ResetInFlight(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)

	rec, err := st.GetURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusDead, rec.Status)
}

func TestWriterCloseFlushesPending(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t)
	w := NewWriter(st, clk, 1000, 0, time.Minute, zap.NewNop())
	ctx := context.Background()

	const url = "https://apnews.com/article/a1"
	_, err := w.Seed(ctx, []harvest.SeedRecord{seedRecord(url, "apnews")})
	require.NoError(t, err)

	type res struct {
		status harvest.Status
		err    error
	}
	done := make(chan res, 1)
	go func() {
		status, err := w.RecordSuccess(ctx, testArticle(url, "apnews", "Body.", "h1"), harvest.ExtractorPrimary)
		done <- res{status, err}
	}()
	time.Sleep(50 * time.Millisecond)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(closeCtx))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, harvest.StatusSuccess, r.status)

	rec, err := st.GetURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusSuccess, rec.Status)
}

func TestWriterRejectsAfterClose(t *testing.T) {
	t.Parallel()
	w, _ := newTestWriter(t, 10, 20*time.Millisecond)
	ctx := context.Background()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(closeCtx))

	err := w.RecordFailure(ctx, "https://apnews.com/article/a1", FailureUpdate{Status: harvest.StatusDead})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = w.ClaimNext(ctx, 5)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriterClaimRoundTrip(t *testing.T) {
	t.Parallel()
	w, _ := newTestWriter(t, 10, 20*time.Millisecond)
	ctx := context.Background()

	_, err := w.Seed(ctx, []harvest.SeedRecord{
		seedRecord("https://reuters.com/world/b1", "reuters"),
		seedRecord("https://reuters.com/world/b2", "reuters"),
	})
	require.NoError(t, err)

	claimed, err := w.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, harvest.StatusProcessing, claimed[0].Status)

	rest, err := w.ClaimNext(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.NotEqual(t, claimed[0].NormalizedURL, rest[0].NormalizedURL)
}
