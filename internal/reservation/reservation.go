// Package reservation implements the file-pattern locking and conflict
// detection engine that coordinates concurrent agents editing the same
// project (spec §4.9). It collaborates with the hub as a publisher: it
// never touches connections directly, only calls hub.Publish on the
// workspace:reservations / workspace:conflicts channels.
package reservation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/gateway/internal/apperr"
	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/wsproto"
)

// Reservation is an active file-pattern lock held by one agent.
type Reservation struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Holder     string    `json:"holder"`
	Patterns   []string  `json:"patterns"`
	Exclusive  bool      `json:"exclusive"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ConflictStatus is the lifecycle of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Conflict records two or more reservation requests whose path patterns
// overlap under an exclusivity requirement. Once resolved, a conflict
// is immutable (spec invariant: "resolved conflicts are immutable").
type Conflict struct {
	ID                  string         `json:"id"`
	ProjectID           string         `json:"projectId"`
	OverlappingPatterns []string       `json:"overlappingPatterns"`
	HolderID            string         `json:"holderId"`
	RequesterID         string         `json:"requesterId"`
	Status              ConflictStatus `json:"status"`
	OpenedAt            time.Time      `json:"openedAt"`
	ResolvedAt          *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy          string         `json:"resolvedBy,omitempty"`
	Reason              string         `json:"reason,omitempty"`
}

// conflictKey identifies the at-most-one-open-conflict tuple: project,
// requester, holder, and the sorted pattern set under contention.
func conflictKey(projectID, holder, requester string, patterns []string) string {
	sorted := append([]string(nil), patterns...)
	sort.Strings(sorted)
	return projectID + "\x00" + holder + "\x00" + requester + "\x00" + strings.Join(sorted, "\x00")
}

// Engine owns the in-memory active-reservation set and open-conflict
// index for every project. It is the single writer; all mutation goes
// through its exported methods, each of which publishes the resulting
// state change to the hub.
type Engine struct {
	h *hub.Hub

	mu                sync.Mutex
	reservations      map[string]*Reservation // id -> reservation
	byProject         map[string][]string     // projectID -> reservation ids
	openConflictByKey map[string]*Conflict    // conflictKey -> open conflict (at most one per tuple)
	conflicts         map[string]*Conflict    // id -> conflict (open or resolved)
}

// New creates a reservation engine that publishes state changes
// through h.
func New(h *hub.Hub) *Engine {
	return &Engine{
		h:                 h,
		reservations:      make(map[string]*Reservation),
		byProject:         make(map[string][]string),
		openConflictByKey: make(map[string]*Conflict),
		conflicts:         make(map[string]*Conflict),
	}
}

// overlaps reports whether two glob path patterns could ever match a
// common file, approximated by: identical patterns, or either pattern
// matching the other's literal form via filepath.Match. This errs
// toward over-reporting overlap (safer for a locking engine than
// under-reporting it).
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	if ok, _ := filepath.Match(a, b); ok {
		return true
	}
	if ok, _ := filepath.Match(b, a); ok {
		return true
	}
	// Directory-prefix overlap: "src/**" vs "src/main.go" style patterns
	// where one pattern is a literal path nested under the other's
	// non-wildcard prefix.
	aPrefix := strings.SplitN(a, "*", 2)[0]
	bPrefix := strings.SplitN(b, "*", 2)[0]
	if aPrefix != "" && bPrefix != "" {
		if strings.HasPrefix(a, bPrefix) || strings.HasPrefix(b, aPrefix) {
			return true
		}
	}
	return false
}

// overlappingPatterns returns the subset of a that overlaps with any
// pattern in b.
func overlappingPatterns(a, b []string) []string {
	var out []string
	for _, pa := range a {
		for _, pb := range b {
			if overlaps(pa, pb) {
				out = append(out, pa)
				break
			}
		}
	}
	return out
}

// Acquire attempts to lock patterns for holder within projectID. If an
// existing reservation's patterns overlap and either side is exclusive,
// a conflict is opened (or the existing open conflict for that
// (project, holder, requester, patterns) tuple is reused, per the
// at-most-one-open-conflict-per-tuple invariant) and no reservation is
// granted.
func (e *Engine) Acquire(ctx context.Context, projectID, holder string, patterns []string, exclusive bool, ttl time.Duration) (*Reservation, *Conflict, *apperr.AppError) {
	e.mu.Lock()

	for _, id := range e.byProject[projectID] {
		existing := e.reservations[id]
		if existing == nil || existing.Holder == holder {
			continue
		}
		overlap := overlappingPatterns(patterns, existing.Patterns)
		if len(overlap) == 0 {
			continue
		}
		if !existing.Exclusive && !exclusive {
			continue
		}

		key := conflictKey(projectID, existing.Holder, holder, patterns)
		conflict, ok := e.openConflictByKey[key]
		if !ok {
			conflict = &Conflict{
				ID:                  uuid.NewString(),
				ProjectID:           projectID,
				OverlappingPatterns: overlap,
				HolderID:            existing.Holder,
				RequesterID:         holder,
				Status:              ConflictOpen,
				OpenedAt:            time.Now().UTC(),
			}
			e.openConflictByKey[key] = conflict
			e.conflicts[conflict.ID] = conflict
		}
		e.mu.Unlock()

		e.publishConflict(ctx, projectID, wsproto.MessageTypeConflictOpened, conflict)
		return nil, conflict, apperr.Conflict("path patterns conflict with an existing exclusive reservation")
	}

	now := time.Now().UTC()
	r := &Reservation{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Holder:     holder,
		Patterns:   patterns,
		Exclusive:  exclusive,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	e.reservations[r.ID] = r
	e.byProject[projectID] = append(e.byProject[projectID], r.ID)
	e.mu.Unlock()

	e.publishReservation(ctx, projectID, wsproto.MessageTypeReservationAcquired, r)
	return r, nil, nil
}

// Release removes an active reservation by ID. Releasing an ID that is
// not active, including one already released, returns NotFound.
func (e *Engine) Release(ctx context.Context, reservationID string) *apperr.AppError {
	e.mu.Lock()
	r, ok := e.reservations[reservationID]
	if !ok {
		e.mu.Unlock()
		return apperr.NotFound("reservation")
	}
	delete(e.reservations, reservationID)
	ids := e.byProject[r.ProjectID]
	for i, id := range ids {
		if id == reservationID {
			e.byProject[r.ProjectID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	e.publishReservation(ctx, r.ProjectID, wsproto.MessageTypeReservationReleased, r)
	return nil
}

// ResolveConflict marks an open conflict resolved, recording who
// resolved it and why. Resolved conflicts are immutable: a second call
// on an already-resolved conflict is a no-op error, never a silent
// overwrite.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, resolvedBy, reason string) (*Conflict, *apperr.AppError) {
	e.mu.Lock()
	c, ok := e.conflicts[conflictID]
	if !ok {
		e.mu.Unlock()
		return nil, apperr.ConflictNotFound(conflictID)
	}
	if c.ResolvedAt != nil {
		e.mu.Unlock()
		return nil, apperr.Conflict("conflict already resolved")
	}
	now := time.Now().UTC()
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	c.Reason = reason
	c.Status = ConflictResolved
	for key, oc := range e.openConflictByKey {
		if oc == c {
			delete(e.openConflictByKey, key)
		}
	}
	e.mu.Unlock()

	e.publishConflict(ctx, c.ProjectID, wsproto.MessageTypeConflictResolved, c)
	return c, nil
}

// ListConflicts returns every conflict for projectID, optionally
// filtered by status ("open" or "resolved"; empty matches both).
func (e *Engine) ListConflicts(projectID string, status ConflictStatus) []*Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Conflict
	for _, c := range e.conflicts {
		if c.ProjectID != projectID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// SweepExpired releases every reservation whose TTL has elapsed,
// publishing reservation.expired for each. Intended to run on a cron
// schedule behind a distributed lease (see cmd/server wiring).
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	var expired []*Reservation
	for id, r := range e.reservations {
		if now.After(r.ExpiresAt) {
			expired = append(expired, r)
			delete(e.reservations, id)
		}
	}
	for _, r := range expired {
		ids := e.byProject[r.ProjectID]
		for i, id := range ids {
			if id == r.ID {
				e.byProject[r.ProjectID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	for _, r := range expired {
		e.publishReservation(ctx, r.ProjectID, wsproto.MessageTypeReservationExpired, r)
	}
	return len(expired)
}

func (e *Engine) publishReservation(ctx context.Context, projectID string, msgType wsproto.MessageType, r *Reservation) {
	payload, err := json.Marshal(r)
	if err != nil {
		logger.Reservation().Error().Err(err).Msg("failed to marshal reservation payload")
		return
	}
	channel := "workspace:reservations:" + projectID
	if _, aerr := e.h.Publish(ctx, channel, msgType, payload, nil); aerr != nil {
		logger.Reservation().Error().Str("code", aerr.Code).Msg("failed to publish reservation event")
	}
}

func (e *Engine) publishConflict(ctx context.Context, projectID string, msgType wsproto.MessageType, c *Conflict) {
	payload, err := json.Marshal(c)
	if err != nil {
		logger.Reservation().Error().Err(err).Msg("failed to marshal conflict payload")
		return
	}
	channel := "workspace:conflicts:" + projectID
	if _, aerr := e.h.Publish(ctx, channel, msgType, payload, nil); aerr != nil {
		logger.Reservation().Error().Str("code", aerr.Code).Msg("failed to publish conflict event")
	}
}
