// Package tempfile manages the append-only scratch files backing an
// in-progress upload (spec §3 Entity: TempChunkFile, §4.1 CHUNK PUT, §5
// ordering guarantees).
//
// One file per uploadIdentifier lives at <dir>/<uploadIdentifier>. Its
// current length is always the highest acknowledged contiguous byte
// offset + 1 (invariant T1). Concurrent chunk PUTs for the same identifier
// are serialized by a per-identifier mutex — the same reference-counted
// lock-pool idiom the teacher's CAS uses for per-hash locking — so at most
// one of two same-offset racers ever extends the file.
package tempfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cyface-de/ingest-storage/internal/ingesterr"
)

// lockEntry pairs a mutex with a reference count so the pool can shrink
// back to nothing between uploads instead of growing unbounded.
type lockEntry struct {
	mu   sync.Mutex
	refs int32
}

var locks sync.Map // map[string]*lockEntry, keyed by uploadIdentifier

func lockID(id string) (unlock func()) {
	v, _ := locks.LoadOrStore(id, &lockEntry{})
	e := v.(*lockEntry)
	atomic.AddInt32(&e.refs, 1)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		if atomic.AddInt32(&e.refs, -1) == 0 {
			locks.CompareAndDelete(id, e)
		}
	}
}

// Path returns the on-disk path of the temp chunk file for uploadIdentifier.
func Path(dir, uploadIdentifier string) string {
	return filepath.Join(dir, uploadIdentifier)
}

// Size returns the current length of the temp file, or 0 if it does not
// exist yet (an OPEN_EMPTY session has no file on disk).
func Size(dir, uploadIdentifier string) (int64, error) {
	info, err := os.Stat(Path(dir, uploadIdentifier))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, ingesterr.Wrap(ingesterr.KindIO, err)
	}
	return info.Size(), nil
}

// AppendResult carries the outcome of a single AppendAt call.
type AppendResult struct {
	NewSize int64
}

// AppendAt appends up to limit+1 bytes read from r to the temp file for
// uploadIdentifier, but only if the file's current size equals from —
// this is the exclusive-open tie-break spec §4.1/§5 require: of two
// concurrent chunks declaring the same from, only one may proceed.
//
// Returns *ingesterr.Error{Kind: KindOffsetMismatch} (carrying the actual
// current size so the caller can build the canonical Range header) if
// from does not match, KindPayloadTooLarge if the stream exceeds limit
// before EOF, or KindIO for any filesystem failure.
func AppendAt(dir, uploadIdentifier string, from, limit int64, r io.Reader) (AppendResult, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return AppendResult{}, ingesterr.Wrap(ingesterr.KindIO, err)
	}

	unlock := lockID(uploadIdentifier)
	defer unlock()

	path := Path(dir, uploadIdentifier)
	current, err := statSize(path)
	if err != nil {
		return AppendResult{}, ingesterr.Wrap(ingesterr.KindIO, err)
	}
	if current != from {
		return AppendResult{}, &ingesterr.Error{
			Kind: ingesterr.KindOffsetMismatch,
			Msg:  fmt.Sprintf("expected from=%d, current size is %d", from, current),
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return AppendResult{}, ingesterr.Wrap(ingesterr.KindIO, err)
	}
	defer f.Close()

	// Read at most limit+1 bytes so an oversized chunk is detected without
	// ever trusting the client-declared Content-Length.
	limited := io.LimitReader(r, limit+1)
	n, werr := io.Copy(f, limited)
	if werr != nil {
		return AppendResult{}, ingesterr.Wrap(ingesterr.KindIO, werr)
	}
	if n > limit {
		return AppendResult{}, ingesterr.New(ingesterr.KindPayloadTooLarge,
			fmt.Sprintf("chunk exceeds payload limit of %d bytes", limit))
	}

	info, err := f.Stat()
	if err != nil {
		return AppendResult{}, ingesterr.Wrap(ingesterr.KindIO, err)
	}
	return AppendResult{NewSize: info.Size()}, nil
}

// Open opens the temp file for reading, e.g. to stream it into a finalize
// step. Caller must close the returned file.
func Open(dir, uploadIdentifier string) (*os.File, error) {
	f, err := os.Open(Path(dir, uploadIdentifier))
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindIO, err)
	}
	return f, nil
}

// Remove deletes the temp file for uploadIdentifier. Missing files are not
// an error — Clean (spec §4.3) is idempotent.
func Remove(dir, uploadIdentifier string) error {
	if err := os.Remove(Path(dir, uploadIdentifier)); err != nil && !os.IsNotExist(err) {
		return ingesterr.Wrap(ingesterr.KindIO, err)
	}
	return nil
}

func statSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
