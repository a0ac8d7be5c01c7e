package ingestion_engine

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ChunkWords splits text into chunks of at most size words. Joining the chunks
// with single spaces gives back the whitespace-collapsed text.
func ChunkWords(text string, size int) []string {
	if size <= 0 {
		size = 300
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	out := make([]string, 0, (len(words)+size-1)/size)
	for start := 0; start < len(words); start += size {
		end := min(start+size, len(words))
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

// streamChunk groups incoming lines into chunks of exactly words words (the
// last one may be shorter), matching ChunkWords over the same text.
func streamChunk(
	ctx context.Context,
	g *errgroup.Group,
	lines <-chan string,
	words int,
) <-chan chunk {
	out := make(chan chunk, 8)

	g.Go(func() error {
		defer close(out)

		buf := make([]string, 0, words)
		pos := 0

		flush := func() error {
			if len(buf) == 0 {
				return nil
			}
			ch := chunk{Pos: pos, Text: strings.Join(buf, " ")}
			pos++
			buf = buf[:0]

			// backpressure applies here
			select {
			case out <- ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for line := range lines {
			for _, w := range strings.Fields(line) {
				buf = append(buf, w)
				if len(buf) == words {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
		return flush()
	})

	return out
}
