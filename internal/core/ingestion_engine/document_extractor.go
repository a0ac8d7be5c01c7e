package ingestion_engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/drivesync/internal/core"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

// docconvTypes are the MIME types docconv converts without external OCR.
var docconvTypes = map[string]bool{
	"application/msword":      true,
	"application/vnd.ms-word": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.text":                                  true,
	"application/pdf":  true,
	"application/rtf":  true,
	"application/x-rtf": true,
	"text/rtf":         true,
	"text/richtext":    true,
	"text/html":        true,
	"text/xml":         true,
	"application/xml":  true,
	"text/plain":       true,
}

var plainExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true, ".log": true,
}

// Extract converts the whole file and returns its normalized text.
func (e *DocconvExtractor) Extract(ctx context.Context, path, name, mimeType string) (string, error) {
	mt, err := resolveMime(path, name, mimeType)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if mt == "text/plain" {
		var b strings.Builder
		err := scanLines(ctx, f, func(line string) error {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(line)
			return nil
		})
		return b.String(), err
	}

	res, err := docconv.Convert(f, mt, e.useReadability)
	if err != nil {
		return "", fmt.Errorf("docconv %s: %w", mt, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Normalize(res.Body), nil
}

// ExtractStream emits normalized lines. Plain text is scanned straight off disk;
// other formats are converted first and then split.
func (e *DocconvExtractor) ExtractStream(ctx context.Context, g *errgroup.Group, path, name, mimeType string) (<-chan string, error) {
	mt, err := resolveMime(path, name, mimeType)
	if err != nil {
		return nil, err
	}

	out := make(chan string, 32)
	g.Go(func() error {
		defer close(out)

		emit := func(line string) error {
			select {
			case out <- line:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if mt == "text/plain" {
			return scanLines(ctx, f, emit)
		}

		res, err := docconv.Convert(f, mt, e.useReadability)
		if err != nil {
			return fmt.Errorf("docconv %s: %w", mt, err)
		}
		for _, line := range strings.Split(res.Body, "\n") {
			if line = normalizeLine(line); line == "" {
				continue
			}
			if err := emit(line); err != nil {
				return err
			}
		}
		return nil
	})
	return out, nil
}

// scanLines feeds every non-empty normalized line of r to fn.
func scanLines(ctx context.Context, r io.Reader, fn func(string) error) error {
	sc := bufio.NewScanner(r)
	// long single-line exports (csv, json) exceed the 64K default
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := normalizeLine(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Normalize trims every line, collapses runs of whitespace and drops empty lines.
func Normalize(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = normalizeLine(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func normalizeLine(l string) string {
	return strings.Join(strings.Fields(l), " ")
}

// resolveMime picks the docconv input type. Unknown types are sniffed and only
// accepted when they look like text.
func resolveMime(path, name, declared string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if plainExtensions[ext] {
		return "text/plain", nil
	}

	mt := declared
	if parsed, _, err := mime.ParseMediaType(declared); err == nil {
		mt = parsed
	}
	mt = strings.ToLower(mt)
	if mt == "" || mt == "application/octet-stream" {
		mt = docconv.MimeTypeByExtension(name)
	}

	switch {
	case mt == "application/json":
		return "text/plain", nil
	case docconvTypes[mt]:
		return mt, nil
	case strings.HasPrefix(mt, "text/"):
		return "text/plain", nil
	}

	sniffed, err := sniff(path)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(sniffed, "text/") {
		return "text/plain", nil
	}
	return "", fmt.Errorf("%w: %s (%s)", core.ErrUnsupportedFormat, name, mt)
}

func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}
