// Package upload implements the resumable-upload state machine (spec §4.2):
// UploadSession lifecycle, the ABSENT→OPEN_EMPTY→OPEN_PARTIAL→COMMITTING→
// {COMMITTED,ABANDONED} transitions, and the session registry that binds an
// HTTP session identifier to its metadata and temp-file path.
package upload

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyface-de/ingest-storage/internal/metadata"
)

// State is a node in the upload state machine (spec §4.2).
type State int

const (
	StateAbsent State = iota
	StateOpenEmpty
	StateOpenPartial
	StateCommitting
	StateCommitted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StateOpenEmpty:
		return "OPEN_EMPTY"
	case StateOpenPartial:
		return "OPEN_PARTIAL"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// Principal is the already-authenticated caller the HTTP layer attaches to
// the request before the core runs (spec §1: authn is out of scope here).
type Principal struct {
	UserID string
	Name   string
}

// Session is the three-field bag spec §9 describes (identifier, metadata,
// upload-path) plus the bookkeeping the state machine and janitor need.
// It does not share state with any other session (spec §5).
type Session struct {
	mu sync.Mutex

	Identifier  string // 32-char lowercase-hex session token
	FileType    string // metadata.FileTypeMeasurement or metadata.FileTypeAttachment
	MetaData    metadata.RequestMetaData
	Principal   Principal
	UploadPath  string // UPLOAD_PATH_FIELD: temp file path as given to Create; cleared by ResetPath
	TotalBytes  int64  // declared total bytes; persisted, but no code path sets it, so it stays 0

	AcceptedAtMillis  int64
	LastTouchedMillis int64

	state State
}

// NewIdentifier mints a random 128-bit uploadIdentifier — a UUIDv4 with its
// dashes stripped, giving the 32-char lowercase-hex token embedded in
// upload URLs (spec glossary).
func NewIdentifier() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// newSession constructs a session in StateOpenEmpty (spec: "born on
// pre-request accept").
func newSession(id, fileType string, meta metadata.RequestMetaData, principal Principal, uploadPath string) *Session {
	now := nowMillis()
	return &Session{
		Identifier:        id,
		FileType:          fileType,
		MetaData:          meta,
		Principal:         principal,
		UploadPath:        uploadPath,
		AcceptedAtMillis:  now,
		LastTouchedMillis: now,
		state:             StateOpenEmpty,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastTouched returns the last-touched timestamp, in epoch milliseconds,
// under the session's own lock — the janitor's expiry check reads this
// concurrently with in-flight Touch calls.
func (s *Session) LastTouched() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastTouchedMillis
}

// Touch bumps LastTouchedMillis and advances OPEN_EMPTY/OPEN_PARTIAL on a
// successful chunk accept (spec §4.2 transition rule).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastTouchedMillis = nowMillis()
	if s.state == StateOpenEmpty {
		s.state = StateOpenPartial
	}
}

// BeginCommit attempts the OPEN_PARTIAL→COMMITTING transition, returning
// false if a commit is already in flight. This is the session-local mutex
// spec §5 requires to make finalize at-most-once per session.
func (s *Session) BeginCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCommitting {
		return false
	}
	s.state = StateCommitting
	return true
}

// FinishCommit transitions COMMITTING→COMMITTED on finalize success, or
// back to OPEN_PARTIAL on a transient failure so the client may retry.
func (s *Session) FinishCommit(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.state = StateCommitted
	} else {
		s.state = StateOpenPartial
	}
}

// Abandon marks the session ABANDONED (janitor sweep or explicit abort).
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAbandoned
}

// ResetPath clears UploadPath and returns an OPEN_PARTIAL session to
// OPEN_EMPTY, the state of a session whose temp file has gone missing.
// Neither the janitor nor the handlers call it.
func (s *Session) ResetPath() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UploadPath = ""
	if s.state == StateOpenPartial {
		s.state = StateOpenEmpty
	}
}

// snapshot is the bbolt-persisted shape of a Session, used for rehydration
// after a restart (spec §4.2: "the temp file alone plus on-disk sessions
// suffices to resume").
type snapshot struct {
	Identifier        string                   `json:"identifier"`
	FileType          string                   `json:"fileType"`
	MetaData          metadata.RequestMetaData `json:"metaData"`
	PrincipalUserID   string                   `json:"principalUserId"`
	PrincipalName     string                   `json:"principalName"`
	UploadPath        string                   `json:"uploadPath"`
	TotalBytes        int64                    `json:"totalBytes"`
	AcceptedAtMillis  int64                    `json:"acceptedAtMillis"`
	LastTouchedMillis int64                    `json:"lastTouchedMillis"`
	State             State                    `json:"state"`
}

func (s *Session) toSnapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		Identifier:        s.Identifier,
		FileType:          s.FileType,
		MetaData:          s.MetaData,
		PrincipalUserID:   s.Principal.UserID,
		PrincipalName:     s.Principal.Name,
		UploadPath:        s.UploadPath,
		TotalBytes:        s.TotalBytes,
		AcceptedAtMillis:  s.AcceptedAtMillis,
		LastTouchedMillis: s.LastTouchedMillis,
		State:             s.state,
	}
}

func fromSnapshot(sn snapshot) *Session {
	return &Session{
		Identifier:        sn.Identifier,
		FileType:          sn.FileType,
		MetaData:          sn.MetaData,
		Principal:         Principal{UserID: sn.PrincipalUserID, Name: sn.PrincipalName},
		UploadPath:        sn.UploadPath,
		TotalBytes:        sn.TotalBytes,
		AcceptedAtMillis:  sn.AcceptedAtMillis,
		LastTouchedMillis: sn.LastTouchedMillis,
		state:             sn.State,
	}
}
