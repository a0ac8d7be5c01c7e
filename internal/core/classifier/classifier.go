// Package classifier decides whether a drive file is worth downloading and which
// processing tier handles it. Decisions are pure functions of name, MIME type and size.
package classifier

import (
	"fmt"
	"path"
	"strings"

	"github.com/markdave123-py/drivesync/internal/config"
)

// Tier is the processing strategy for a file.
type Tier int

const (
	Skip Tier = iota
	Standard
	Streaming
	Queued
)

func (t Tier) String() string {
	switch t {
	case Standard:
		return "standard"
	case Streaming:
		return "streaming"
	case Queued:
		return "queued"
	default:
		return "skip"
	}
}

// Decision is the classifier verdict. Tier is Skip for every ineligible file.
type Decision struct {
	Tier   Tier
	Reason string
}

func (d Decision) Eligible() bool { return d.Tier != Skip }

var skipExtensions = map[string]struct{}{
	// archives
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {}, ".bz2": {},
	// video
	".mp4": {}, ".avi": {}, ".mkv": {}, ".mov": {}, ".wmv": {}, ".flv": {},
	// audio
	".mp3": {}, ".wav": {}, ".flac": {}, ".aac": {}, ".ogg": {}, ".wma": {},
	// images
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".tiff": {}, ".svg": {}, ".webp": {},
	// executables and libraries
	".exe": {}, ".msi": {}, ".deb": {}, ".rpm": {}, ".dmg": {}, ".pkg": {},
	".dll": {}, ".so": {}, ".dylib": {},
	// CAD
	".dwg": {}, ".dxf": {}, ".3ds": {}, ".blend": {}, ".max": {},
	// databases
	".db": {}, ".sqlite": {}, ".mdb": {}, ".accdb": {},
	// temporary
	".tmp": {}, ".temp": {}, ".cache": {}, ".log": {},
}

var supportedMimeTypes = map[string]struct{}{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"application/msword":                      {},
	"application/vnd.ms-excel":                {},
	"application/vnd.ms-powerpoint":           {},
	"application/pdf":                         {},
	"application/xml":                         {},
	"application/rtf":                         {},
	"application/vnd.oasis.opendocument.text": {},
	"application/vnd.oasis.opendocument.spreadsheet":  {},
	"application/vnd.oasis.opendocument.presentation": {},
}

var binaryMimePrefixes = []string{"image/", "video/", "audio/", "application/octet-stream"}

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".csv": {}, ".json": {}, ".xml": {}, ".html": {}, ".htm": {}, ".rtf": {},
}

// Thresholds are the size limits the classifier works with.
type Thresholds struct {
	StandardMax    int64
	StreamingMax   int64
	QueuedMax      int64
	UnknownTypeMax int64
}

// DefaultThresholds are 50MB / 200MB / 1GB tiers and a 10MB cap for unknown types.
func DefaultThresholds() Thresholds {
	return ThresholdsFrom(config.DefaultPipeline())
}

func ThresholdsFrom(p config.Pipeline) Thresholds {
	return Thresholds{
		StandardMax:    p.StandardMaxBytes,
		StreamingMax:   p.StreamingMaxBytes,
		QueuedMax:      p.QueuedMaxBytes,
		UnknownTypeMax: p.UnknownTypeMaxBytes,
	}
}

type Classifier struct {
	limits Thresholds
}

func New(limits Thresholds) *Classifier {
	return &Classifier{limits: limits}
}

// Classify runs the cheap extension and MIME checks before any size heuristic.
func (c *Classifier) Classify(name, mimeType string, size int64) Decision {
	ext := Extension(name)
	mime := normalizeMime(mimeType)

	if _, ok := skipExtensions[ext]; ok {
		return Decision{Tier: Skip, Reason: "skipped binary file type: " + ext}
	}

	if mime != "" {
		if _, ok := supportedMimeTypes[mime]; ok {
			return c.tier(size, "supported MIME type: "+mime)
		}
		if strings.HasPrefix(mime, "text/") {
			return c.tier(size, "text MIME type: "+mime)
		}
		for _, p := range binaryMimePrefixes {
			if strings.HasPrefix(mime, p) {
				return Decision{Tier: Skip, Reason: "binary MIME type: " + mime}
			}
		}
	}

	if _, ok := textExtensions[ext]; ok {
		return c.tier(size, "text file extension: "+ext)
	}

	if size > c.limits.UnknownTypeMax {
		return Decision{Tier: Skip, Reason: fmt.Sprintf("unknown file type and large size (%d bytes)", size)}
	}

	return c.tier(size, fmt.Sprintf("small unknown file (%d bytes)", size))
}

func (c *Classifier) tier(size int64, reason string) Decision {
	switch {
	case size <= c.limits.StandardMax:
		return Decision{Tier: Standard, Reason: reason}
	case size <= c.limits.StreamingMax:
		return Decision{Tier: Streaming, Reason: reason}
	case size <= c.limits.QueuedMax:
		return Decision{Tier: Queued, Reason: reason}
	default:
		return Decision{Tier: Skip, Reason: fmt.Sprintf("file too large (%d bytes)", size)}
	}
}

// Extension returns the lower-cased extension of name, including the dot.
func Extension(name string) string {
	return strings.ToLower(path.Ext(name))
}

func normalizeMime(m string) string {
	m, _, _ = strings.Cut(m, ";")
	return strings.ToLower(strings.TrimSpace(m))
}
