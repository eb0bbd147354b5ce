// Package shared holds the chunk-append bookkeeping common to every backend
// that stages bytes in a local TempChunkFile before finalizing (GridFS and
// localfs — cloudblob bypasses the temp step for direct streaming, spec
// §4.3.b).
package shared

import (
	"io"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
	"github.com/cyface-de/ingest-storage/internal/tempfile"
)

// AppendChunk appends source to the temp file for uploadIdentifier at
// offset from, enforcing the payload ceiling, and verifies the resulting
// length lands exactly at to+1 (spec §4.1: "Verify n-1 == to; otherwise
// 500 and the session is cleaned").
//
// Returns the new total size and whether the upload is now complete
// (size == total).
func AppendChunk(dir, uploadIdentifier string, from, to, total, limit int64, source io.Reader) (newSize int64, complete bool, err error) {
	result, err := tempfile.AppendAt(dir, uploadIdentifier, from, limit, source)
	if err != nil {
		return 0, false, err
	}

	if result.NewSize-1 != to {
		return 0, false, ingesterr.New(ingesterr.KindContentRangeMismatch,
			"temp file length does not match the declared chunk end")
	}

	return result.NewSize, result.NewSize == total, nil
}
