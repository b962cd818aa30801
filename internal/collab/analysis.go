package collab

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// LiveAnalysis is one shared analysis, in progress or recently finished.
// Live analyses are platform-wide visible, not scoped to a room.
type LiveAnalysis struct {
	ID             string         `json:"analysisId"`
	OwnerID        string         `json:"userId"`
	OwnerName      string         `json:"userName,omitempty"`
	Title          string         `json:"title"`
	Progress       int            `json:"progress"`
	Stage          string         `json:"stage"`
	StartedAt      time.Time      `json:"startTime"`
	UpdatedAt      time.Time      `json:"lastUpdate"`
	IsLive         bool           `json:"isLive"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	DisconnectedAt *time.Time     `json:"disconnectedAt,omitempty"`
	Results        map[string]any `json:"results,omitempty"`
	Viewers        []string       `json:"viewers"`
}

type liveAnalysis struct {
	LiveAnalysis
	viewers map[string]struct{}
}

func (a *liveAnalysis) snapshot() LiveAnalysis {
	out := a.LiveAnalysis
	out.Viewers = sortedKeys(a.viewers)
	return out
}

// ShareMeta carries the owner-supplied fields of a new shared analysis.
type ShareMeta struct {
	AnalysisID string
	Title      string
	Progress   int
	Stage      string
	StartedAt  time.Time
}

// ProgressUpdate carries one owner-submitted progress event.
type ProgressUpdate struct {
	Progress  *int
	Stage     string
	Completed bool
	Results   map[string]any
}

// AnalysisTracker tracks in-flight and completed shared analyses.
// Single-writer, mutated only by the hub loop.
type AnalysisTracker struct {
	analyses map[string]*liveAnalysis
	now      func() time.Time
}

func NewAnalysisTracker() *AnalysisTracker {
	return &AnalysisTracker{
		analyses: make(map[string]*liveAnalysis),
		now:      time.Now,
	}
}

// Share creates a new tracked analysis owned by the caller. Re-sharing an id
// owned by someone else is ignored; re-sharing one's own id restarts it.
func (t *AnalysisTracker) Share(owner *Participant, meta ShareMeta) (LiveAnalysis, bool) {
	id := meta.AnalysisID
	if id == "" {
		id = uuid.New().String()
	}
	if existing, ok := t.analyses[id]; ok && existing.OwnerID != owner.ID {
		return LiveAnalysis{}, false
	}

	stage := meta.Stage
	if stage == "" {
		stage = "Starting..."
	}
	startedAt := meta.StartedAt
	if startedAt.IsZero() {
		startedAt = t.now()
	}

	a := &liveAnalysis{
		LiveAnalysis: LiveAnalysis{
			ID:        id,
			OwnerID:   owner.ID,
			OwnerName: owner.Name,
			Title:     meta.Title,
			Progress:  clampProgress(meta.Progress),
			Stage:     stage,
			StartedAt: startedAt,
			UpdatedAt: t.now(),
			IsLive:    true,
		},
		viewers: map[string]struct{}{owner.ID: {}},
	}
	t.analyses[id] = a
	return a.snapshot(), true
}

// Progress applies an owner-submitted update. Updates for unknown analysis
// ids, or from anyone but the recorded owner, are a silent no-op.
func (t *AnalysisTracker) Progress(ownerID, analysisID string, upd ProgressUpdate) (LiveAnalysis, bool) {
	a, ok := t.analyses[analysisID]
	if !ok || a.OwnerID != ownerID {
		return LiveAnalysis{}, false
	}

	if upd.Progress != nil {
		a.Progress = clampProgress(*upd.Progress)
	}
	if upd.Stage != "" {
		a.Stage = upd.Stage
	}
	a.UpdatedAt = t.now()

	if upd.Completed {
		a.IsLive = false
		completedAt := t.now()
		a.CompletedAt = &completedAt
		if upd.Results != nil {
			a.Results = upd.Results
		}
	}
	return a.snapshot(), true
}

// DisconnectOwner marks every live analysis owned by a departing participant
// as no longer live; the partial result stays visible. Returns the affected
// analyses.
func (t *AnalysisTracker) DisconnectOwner(ownerID string) []LiveAnalysis {
	var affected []LiveAnalysis
	for _, a := range t.analyses {
		if a.OwnerID != ownerID || !a.IsLive {
			continue
		}
		a.IsLive = false
		disconnectedAt := t.now()
		a.DisconnectedAt = &disconnectedAt
		affected = append(affected, a.snapshot())
	}
	sortByStart(affected)
	return affected
}

// RemoveViewer purges a participant from every viewer set.
func (t *AnalysisTracker) RemoveViewer(participantID string) {
	for _, a := range t.analyses {
		delete(a.viewers, participantID)
	}
}

// Get returns a copy of one tracked analysis.
func (t *AnalysisTracker) Get(analysisID string) (LiveAnalysis, bool) {
	a, ok := t.analyses[analysisID]
	if !ok {
		return LiveAnalysis{}, false
	}
	return a.snapshot(), true
}

// Snapshot returns every tracked analysis, oldest first.
func (t *AnalysisTracker) Snapshot() []LiveAnalysis {
	out := make([]LiveAnalysis, 0, len(t.analyses))
	for _, a := range t.analyses {
		out = append(out, a.snapshot())
	}
	sortByStart(out)
	return out
}

// Evict drops finished analyses untouched for longer than retention and
// force-expires live ones idle past staleAfter. Expired analyses are returned
// so the dispatcher can broadcast that they went dark.
func (t *AnalysisTracker) Evict(retention, staleAfter time.Duration) (evicted []string, expired []LiveAnalysis) {
	now := t.now()
	for id, a := range t.analyses {
		idle := now.Sub(a.UpdatedAt)
		switch {
		case !a.IsLive && idle > retention:
			delete(t.analyses, id)
			evicted = append(evicted, id)
		case a.IsLive && idle > staleAfter:
			a.IsLive = false
			disconnectedAt := now
			a.DisconnectedAt = &disconnectedAt
			expired = append(expired, a.snapshot())
		}
	}
	sort.Strings(evicted)
	sortByStart(expired)
	return evicted, expired
}

// Count returns the number of tracked analyses, live or not.
func (t *AnalysisTracker) Count() int {
	return len(t.analyses)
}

// LiveCount returns the number of analyses still marked live.
func (t *AnalysisTracker) LiveCount() int {
	n := 0
	for _, a := range t.analyses {
		if a.IsLive {
			n++
		}
	}
	return n
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func sortByStart(list []LiveAnalysis) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
}
