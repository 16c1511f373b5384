// Package archive persists winning raw HTML as blobs. Each provider returns
// a URI that is recorded on the article row, so a later re-extraction pass
// can replay the cascade without refetching the page.
package archive

import (
	"context"
	"strings"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// Noop discards every document. The default provider; the empty URI it
// returns keeps article rows free of archive references.
type Noop struct{}

// Put implements harvest.Archiver and does nothing.
func (Noop) Put(context.Context, string, []byte) (string, error) {
	return "", nil
}

// WithPrefix nests every key under prefix, so several harvesters can share
// one bucket or directory. A blank prefix returns inner unchanged.
func WithPrefix(inner harvest.Archiver, prefix string) harvest.Archiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return inner
	}
	return prefixed{inner: inner, prefix: prefix}
}

type prefixed struct {
	inner  harvest.Archiver
	prefix string
}

func (p prefixed) Put(ctx context.Context, key string, data []byte) (string, error) {
	return p.inner.Put(ctx, p.prefix+"/"+key, data)
}
