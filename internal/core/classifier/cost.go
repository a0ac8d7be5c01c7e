package classifier

import (
	"fmt"
	"strings"
)

const (
	tokensPerByte     = 0.25
	costPer1KTokens   = 0.0001
	capacityThreshold = 0.9

	// DefaultIndexCapacity matches a standard-tier search service (15M documents).
	DefaultIndexCapacity int64 = 15_000_000
)

// rough share of a file's bytes that survives as text
var textRatios = map[string]float64{
	"pdf":  0.15,
	"docx": 0.10,
	"pptx": 0.05,
	"txt":  1.0,
}

const defaultTextRatio = 0.10

// EstimateCost returns the approximate embedding cost in USD of indexing a file.
func EstimateCost(size int64, name string) float64 {
	ratio, ok := textRatios[strings.TrimPrefix(Extension(name), ".")]
	if !ok {
		ratio = defaultTextRatio
	}
	tokens := float64(size) * ratio * tokensPerByte
	return tokens / 1000 * costPer1KTokens
}

// EstimateChunks approximates how many chunks a file of size bytes yields.
func EstimateChunks(size int64, name string, wordsPerChunk int) int {
	if wordsPerChunk <= 0 {
		return 0
	}
	ratio, ok := textRatios[strings.TrimPrefix(Extension(name), ".")]
	if !ok {
		ratio = defaultTextRatio
	}
	// ~6 bytes per English word including the separator
	words := float64(size) * ratio / 6
	n := int(words)/wordsPerChunk + 1
	return n
}

// CheckCapacity refuses writes that push the index past 90% of limit.
func CheckCapacity(current int64, newChunks int, limit int64) (bool, string) {
	if limit <= 0 {
		return true, "index capacity unchecked"
	}
	projected := current + int64(newChunks)
	if float64(projected) > float64(limit)*capacityThreshold {
		return false, fmt.Sprintf("search index near capacity: %d/%d docs", projected, limit)
	}
	return true, fmt.Sprintf("search index capacity OK: %d/%d docs", projected, limit)
}
