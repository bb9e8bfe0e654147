package model

import "time"

// MinEventDuration is enforced whenever an event arrives with EndsAt not
// after StartsAt.
const MinEventDuration = 15 * time.Minute

type Transparency string

const (
	Busy Transparency = "busy"
	Free Transparency = "free"
)

type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusCancelled EventStatus = "cancelled"
)

// Event is a schedulable item as held by the event store. Recurring series
// carry an RRule; concrete occurrences are produced by internal/recur and
// carry the series ID in RecurrenceOf.
type Event struct {
	ID      string `json:"id" yaml:"id"`
	OwnerID string `json:"owner_id" yaml:"owner_id"`

	StartsAt time.Time `json:"starts_at" yaml:"starts_at"`
	EndsAt   time.Time `json:"ends_at" yaml:"ends_at"`

	Title    string   `json:"title,omitempty" yaml:"title,omitempty"`
	Location string   `json:"location,omitempty" yaml:"location,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is "local" or "ics:<source id>". Display only.
	Source       string       `json:"source,omitempty" yaml:"source,omitempty"`
	Transparency Transparency `json:"transparency,omitempty" yaml:"transparency,omitempty"`
	Status       EventStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	DeletedAt    *time.Time   `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`

	RRule        string      `json:"rrule,omitempty" yaml:"rrule,omitempty"`
	ExDates      []time.Time `json:"exdates,omitempty" yaml:"exdates,omitempty"`
	RecurrenceOf string      `json:"recurrence_of,omitempty" yaml:"recurrence_of,omitempty"`
}

// Normalized returns a copy with UTC timestamps, default transparency and
// status, and the minimum duration enforced.
func (e Event) Normalized() Event {
	e.StartsAt = e.StartsAt.UTC()
	e.EndsAt = e.EndsAt.UTC()
	if !e.StartsAt.IsZero() && !e.EndsAt.After(e.StartsAt) {
		e.EndsAt = e.StartsAt.Add(MinEventDuration)
	}
	if e.Transparency == "" {
		e.Transparency = Busy
	}
	if e.Status == "" {
		e.Status = StatusConfirmed
	}
	return e
}

// Blocking reports whether the event takes part in collision checks.
func (e Event) Blocking() bool {
	return e.DeletedAt == nil && e.Transparency != Free && e.Status != StatusCancelled
}

func (e Event) Duration() time.Duration {
	return e.EndsAt.Sub(e.StartsAt)
}

// ProtectedWindow is a guarded interval [base+pre, base+post] for one day.
type ProtectedWindow struct {
	Name          string    `json:"name"`
	BaseTime      string    `json:"base_time"`
	PreBufferMin  int       `json:"pre_buffer_min"`
	PostBufferMin int       `json:"post_buffer_min"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// Placement is the rendered position of one event in a day view.
type Placement struct {
	EventID      string  `json:"event_id"`
	Title        string  `json:"title,omitempty"`
	LaneIndex    int     `json:"lane_index"`
	LaneCount    int     `json:"lane_count"`
	StartMin     int     `json:"start_min"`
	EndMin       int     `json:"end_min"`
	TopPx        float64 `json:"top_px"`
	HeightPx     float64 `json:"height_px"`
	LaneLeftPct  float64 `json:"lane_left_pct"`
	LaneWidthPct float64 `json:"lane_width_pct"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictDismissed ConflictStatus = "dismissed"
	ConflictUndone    ConflictStatus = "undone"
)

// CanTransition reports whether from -> to is an edge of the conflict state
// machine: open -> resolved|dismissed, resolved -> undone.
func CanTransition(from, to ConflictStatus) bool {
	switch from {
	case ConflictOpen:
		return to == ConflictResolved || to == ConflictDismissed
	case ConflictResolved:
		return to == ConflictUndone
	default:
		return false
	}
}

// Conflict records an event colliding with a protected window.
type Conflict struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	OwnerID string `json:"owner_id"`
	// EventID is empty when the conflict refers to a non-event object.
	EventID string `json:"event_id,omitempty"`

	DateISO        string    `json:"date"`
	WindowName     string    `json:"window_name"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	OverlapMinutes int       `json:"overlap_minutes"`
	BufferMin      int       `json:"buffer_min"`
	Severity       Severity  `json:"severity"`

	Status         ConflictStatus `json:"status"`
	Resolution     string         `json:"resolution,omitempty"`
	SuggestedStart *time.Time     `json:"suggested_start,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// Transition is a compare-and-set request on a conflict's status.
type Transition struct {
	From       ConflictStatus
	To         ConflictStatus
	Resolution string
	DecidedBy  string
	DecidedAt  time.Time
}

type ActionKind string

const (
	ActionShift   ActionKind = "shift"
	ActionShorten ActionKind = "shorten"
	ActionCancel  ActionKind = "cancel"
	ActionFree    ActionKind = "free"
	ActionUndo    ActionKind = "undo"
)

// AutopilotAction is an append-only ledger entry.
type AutopilotAction struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	ConflictID   string     `json:"conflict_id"`
	EventID      string     `json:"event_id"`
	Action       ActionKind `json:"action"`
	UndoToken    string     `json:"undo_token"`
	Patch        PatchSpec  `json:"patch"`
	PatchBefore  Event      `json:"patch_before"`
	PatchAfter   Event      `json:"patch_after"`
	RevertsToken string     `json:"reverts_token,omitempty"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EventChange is the before/after pair produced by one atomic mutation.
type EventChange struct {
	Before Event
	After  Event
}
