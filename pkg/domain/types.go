package domain

import "time"

type ItemStatus string

const (
	StatusDraft     ItemStatus = "draft"
	StatusScheduled ItemStatus = "scheduled"
	StatusPosted    ItemStatus = "posted"
	StatusRejected  ItemStatus = "rejected"
	StatusFailed    ItemStatus = "failed"
)

// Valid reports whether s is one of the persisted lifecycle states.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPosted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

type Violation struct {
	Severity Severity `json:"severity"`
	RuleID   string   `json:"ruleId"`
	Message  string   `json:"message"`
}

type ValidationReport struct {
	Passed     bool        `json:"passed"`
	Score      float64     `json:"score"`
	Violations []Violation `json:"violations"`
}

// Blocking returns the blocking violations in report order.
func (r ValidationReport) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlocking {
			out = append(out, v)
		}
	}
	return out
}

// ContentItem is a generated post moving through the publishing lifecycle.
// ClaimToken is non-empty only while a worker holds the exclusive publish
// claim; the persisted Status never leaves the five lifecycle states.
type ContentItem struct {
	ID              string           `json:"id"`
	Body            string           `json:"body"`
	Pillar          string           `json:"pillar"`
	Framework       string           `json:"framework"`
	Report          ValidationReport `json:"report"`
	Status          ItemStatus       `json:"status"`
	ScheduledFor    *time.Time       `json:"scheduledFor,omitempty"`
	PostedAt        *time.Time       `json:"postedAt,omitempty"`
	ExternalPostID  string           `json:"externalPostId,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	ClaimToken      string           `json:"-"`
	ClaimedAt       *time.Time       `json:"claimedAt,omitempty"`
	Attempts        int              `json:"attempts"`
	CreatedAt       time.Time        `json:"createdAt"`
	StatusChangedAt time.Time        `json:"statusChangedAt"`
}

// ItemEvent is one append-only audit entry for a status change.
type ItemEvent struct {
	ID     string     `json:"id"`
	ItemID string     `json:"itemId"`
	From   ItemStatus `json:"from"`
	To     ItemStatus `json:"to"`
	Actor  string     `json:"actor"`
	Note   string     `json:"note,omitempty"`
	At     time.Time  `json:"at"`
}

// UsageRecord is the single authoritative usage row per account.
// Costs are micro-dollars.
type UsageRecord struct {
	Account     string     `json:"account"`
	DayBucket   string     `json:"dayBucket"`
	MonthBucket string     `json:"monthBucket"`
	CallsToday  int        `json:"callsToday"`
	MonthCost   int64      `json:"monthCost"`
	Overage     int64      `json:"overage"`
	LastCallAt  *time.Time `json:"lastCallAt,omitempty"`

	// Outstanding reservations that are neither committed nor released.
	PendingCalls int   `json:"pendingCalls"`
	PendingCost  int64 `json:"pendingCost"`
}

// Bundle is the daily context handed to generation.
type Bundle struct {
	Pillar    string   `json:"pillar" yaml:"pillar"`
	Themes    []string `json:"themes" yaml:"themes"`
	Decisions []string `json:"decisions" yaml:"decisions"`
	Progress  []string `json:"progress" yaml:"progress"`
	Notes     string   `json:"notes,omitempty" yaml:"notes"`
}

// Empty reports whether the bundle carries no usable context.
func (b Bundle) Empty() bool {
	return len(b.Themes) == 0 && len(b.Decisions) == 0 && len(b.Progress) == 0 && b.Notes == ""
}
