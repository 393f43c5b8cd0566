package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/samber/lo"

	"codeground/internal/merr"
	"codeground/internal/model"
)

const maxSessionIDLen = 128

type session struct {
	id           string
	participants []model.Participant
	document     string
	language     string
	updatedAt    time.Time
}

func (s *session) snapshot() model.Snapshot {
	return model.Snapshot{
		ID:           s.id,
		Document:     s.document,
		Language:     s.language,
		Participants: append([]model.Participant(nil), s.participants...),
		UpdatedAt:    s.updatedAt,
	}
}

// Registry maps session ids to their live state.
//
// The relay hub is the only writer; the lock exists so HTTP handlers and the
// snapshot flusher can read concurrently.
type Registry struct {
	mu              sync.RWMutex
	sessions        map[string]*session
	owners          map[string]string // connectionID -> sessionID
	defaultLanguage string
	now             func() time.Time
}

// New creates an empty registry. Sessions start with defaultLanguage.
func New(defaultLanguage string) *Registry {
	if defaultLanguage == "" {
		defaultLanguage = model.DefaultLanguage
	}
	return &Registry{
		sessions:        make(map[string]*session),
		owners:          make(map[string]string),
		defaultLanguage: defaultLanguage,
		now:             time.Now,
	}
}

// ValidateSessionID rejects empty, whitespace-only, oversized and
// control-character ids.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > maxSessionIDLen {
		return merr.WrapErrInvalidSession(id)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return merr.WrapErrInvalidSession(id)
	}
	return nil
}

// GetOrCreate returns the session, creating an empty one if needed.
func (r *Registry) GetOrCreate(sessionID string) model.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(sessionID, nil).snapshot()
}

// Hydrate is GetOrCreate where a newly created session starts from seed.
// The seed is ignored when the session already exists.
func (r *Registry) Hydrate(sessionID string, seed *model.Snapshot) (model.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.sessions[sessionID]
	return r.getOrCreateLocked(sessionID, seed).snapshot(), !existed
}

func (r *Registry) getOrCreateLocked(sessionID string, seed *model.Snapshot) *session {
	if s, ok := r.sessions[sessionID]; ok {
		return s
	}
	s := &session{
		id:        sessionID,
		language:  r.defaultLanguage,
		updatedAt: r.now(),
	}
	if seed != nil {
		s.document = seed.Document
		if seed.Language != "" {
			s.language = seed.Language
		}
	}
	r.sessions[sessionID] = s
	return s
}

// AddParticipant inserts a connection into a session, creating the session
// when it does not exist yet.
func (r *Registry) AddParticipant(sessionID, connectionID, username string) (model.Participant, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return model.Participant{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[connectionID]; ok {
		if owner != sessionID {
			return model.Participant{}, merr.WrapErrAlreadyJoined(connectionID, owner)
		}
		existing, _ := lo.Find(r.sessions[owner].participants, func(p model.Participant) bool {
			return p.ConnectionID == connectionID
		})
		return existing, nil
	}

	s := r.getOrCreateLocked(sessionID, nil)
	p := model.Participant{
		ConnectionID: connectionID,
		Username:     username,
		SessionID:    sessionID,
		JoinedAt:     r.now(),
	}
	s.participants = append(s.participants, p)
	r.owners[connectionID] = sessionID
	return p, nil
}

// RemoveParticipant removes a connection from its session. Unknown
// connections are a no-op and report false.
func (r *Registry) RemoveParticipant(connectionID string) (model.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.owners[connectionID]
	if !ok {
		return model.Participant{}, false
	}
	delete(r.owners, connectionID)

	s, ok := r.sessions[sessionID]
	if !ok {
		return model.Participant{}, false
	}
	var removed model.Participant
	s.participants = lo.Reject(s.participants, func(p model.Participant, _ int) bool {
		if p.ConnectionID == connectionID {
			removed = p
			return true
		}
		return false
	})
	return removed, removed.ConnectionID != ""
}

// UpdateDocument overwrites the session document. Last write wins.
func (r *Registry) UpdateDocument(sessionID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return merr.WrapErrUnknownSession(sessionID)
	}
	s.document = text
	s.updatedAt = r.now()
	return nil
}

// UpdateLanguage overwrites the session language tag. Tags are not validated.
func (r *Registry) UpdateLanguage(sessionID, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return merr.WrapErrUnknownSession(sessionID)
	}
	s.language = tag
	s.updatedAt = r.now()
	return nil
}

// ListParticipants returns participants in join order.
func (r *Registry) ListParticipants(sessionID string) []model.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]model.Participant(nil), s.participants...)
}

// IsEmpty reports whether the session has no participants. Unknown sessions
// are empty.
func (r *Registry) IsEmpty(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	return !ok || len(s.participants) == 0
}

// Destroy drops the session record along with any remaining back-references.
func (r *Registry) Destroy(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for _, p := range s.participants {
		delete(r.owners, p.ConnectionID)
	}
	delete(r.sessions, sessionID)
}

// Snapshot returns a copy of the session's state.
func (r *Registry) Snapshot(sessionID string) (model.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return model.Snapshot{}, false
	}
	return s.snapshot(), true
}

// Exists reports whether the session is live, with or without participants.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// SessionOf returns the session a connection has joined.
func (r *Registry) SessionOf(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[connectionID]
	return id, ok
}

// Summaries lists live sessions ordered by id.
func (r *Registry) Summaries() []model.SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.MapToSlice(r.sessions, func(id string, s *session) model.SessionSummary {
		return model.SessionSummary{ID: id, Participants: len(s.participants), Language: s.language}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
