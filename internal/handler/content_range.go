package handler

import (
	"regexp"
	"strconv"
)

var (
	statusRangePattern = regexp.MustCompile(`^bytes \*/(\d+)$`)
	chunkRangePattern  = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)
)

// parseStatusRange recognizes the STATUS form `bytes */<total>` (spec
// §4.1 STATUS). ok is false for anything else, including a chunk-shaped
// header.
func parseStatusRange(header string) (total int64, ok bool) {
	m := statusRangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0, false
	}
	total, err := strconv.ParseInt(m[1], 10, 64)
	return total, err == nil
}

// parseChunkRange recognizes the CHUNK form `bytes <from>-<to>/<total>`
// (spec §4.1 CHUNK PUT). ok is false if the header doesn't match this
// exact pattern.
func parseChunkRange(header string) (from, to, total int64, ok bool) {
	m := chunkRangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0, 0, 0, false
	}
	from, err1 := strconv.ParseInt(m[1], 10, 64)
	to, err2 := strconv.ParseInt(m[2], 10, 64)
	total, err3 := strconv.ParseInt(m[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || to < from {
		return 0, 0, 0, false
	}
	return from, to, total, true
}
