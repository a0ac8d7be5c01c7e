package core

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ErrUnsupportedFormat marks content the extractor cannot read. It is a skip, not a failure.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// DocumentExtractor turns a downloaded file into normalized text.
type DocumentExtractor interface {
	// Extract returns the whole normalized text of the file at path.
	Extract(ctx context.Context, path, name, mimeType string) (string, error)

	// ExtractStream emits normalized text line by line, for files too large to hold twice in memory.
	ExtractStream(ctx context.Context, g *errgroup.Group, path, name, mimeType string) (<-chan string, error)
}
