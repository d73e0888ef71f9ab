// Package parallel splits index ranges into deterministic chunks and runs
// them on a fixed number of goroutines.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Chunk is the half-open index range [Start, End).
type Chunk struct {
	Start, End int
}

func (c Chunk) Len() int { return c.End - c.Start }

// Chunks splits n items over at most workers chunks. The first n%workers
// chunks get one extra item. The result depends only on (n, workers).
func Chunks(n, workers int) []Chunk {
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	per := n / workers
	// more workers than items: one item each
	if per < 1 {
		per = 1
		workers = n
	}
	extra := n - per*workers

	chunks := make([]Chunk, workers)
	start := 0
	for i := range chunks {
		end := start + per
		if extra > 0 {
			end++
			extra--
		}
		chunks[i] = Chunk{Start: start, End: end}
		start = end
	}
	return chunks
}

// SizedChunks splits n items into consecutive chunks of at most size items.
func SizedChunks(n, size int) []Chunk {
	if n <= 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	chunks := make([]Chunk, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		chunks = append(chunks, Chunk{Start: start, End: min(start+size, n)})
	}
	return chunks
}

// Execute runs work once per chunk of Chunks(n, workers) and waits for all of
// them. work receives the chunk position so callers can write into a private
// per-chunk slot. The first error wins; ctx is only checked before a chunk
// starts.
func Execute(ctx context.Context, n, workers int, work func(slot int, c Chunk) error) error {
	chunks := Chunks(n, workers)
	switch len(chunks) {
	case 0:
		return nil
	case 1:
		if err := ctx.Err(); err != nil {
			return err
		}
		return work(0, chunks[0])
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return work(i, c)
		})
	}
	return g.Wait()
}
