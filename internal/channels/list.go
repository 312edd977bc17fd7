package channels

import (
	"context"
	"iter"
)

// DefaultPageSize is how many ids ListBySender fetches per round trip.
const DefaultPageSize = 100

// IndexReader pages the append-only per-sender index. from is a zero-based
// position in the sender's sequence.
type IndexReader interface {
	SenderChannels(ctx context.Context, sender string, from uint64, limit int) ([]string, error)
}

// ListBySender lazily yields the sender's channel ids in open order,
// starting at position from. Pages are fetched on demand, so a consumer
// that stops early costs one page. Restart at any position by passing the
// count of ids already consumed. Closed channels are included.
func ListBySender(ctx context.Context, r IndexReader, sender string, from uint64, pageSize int) iter.Seq2[string, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(string, error) bool) {
		pos := from
		for {
			ids, err := r.SenderChannels(ctx, sender, pos, pageSize)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range ids {
				if !yield(id, nil) {
					return
				}
			}
			if len(ids) < pageSize {
				return
			}
			pos += uint64(len(ids))
		}
	}
}
