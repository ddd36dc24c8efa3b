package models

import "time"

// IncidentStatus is the lifecycle of an incident report.
type IncidentStatus string

const (
	IncidentAwaitingMedia IncidentStatus = "awaiting_media"
	IncidentSubmitted     IncidentStatus = "submitted"
)

// MeetingStatus is the lifecycle of a meeting request.
type MeetingStatus string

const (
	MeetingRequested MeetingStatus = "requested"
)

// QueueSpeed is a community report on how fast a queue moves.
type QueueSpeed string

const (
	SpeedQuickly    QueueSpeed = "QUICKLY"
	SpeedModerately QueueSpeed = "MODERATELY"
	SpeedSlow       QueueSpeed = "SLOW"
)

// Visit is one stamp on the card.
type Visit struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	VisitedAt time.Time `json:"visited_at"`
}

// SignupLead holds the business captured by the signup flow.
type SignupLead struct {
	UserID       string    `json:"user_id"`
	BusinessName string    `json:"business_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// MeetingRequest records interest in a service.
type MeetingRequest struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Service   string        `json:"service"`
	Status    MeetingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Budget is a monthly spending limit in minor units.
type Budget struct {
	UserID      string    `json:"user_id"`
	Month       string    `json:"month"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expense is one logged spend.
type Expense struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category"`
	SpentOn     string    `json:"spent_on"`
	CreatedAt   time.Time `json:"created_at"`
}

// Incident is a user-reported incident.
type Incident struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Reference   string         `json:"reference"`
	Description string         `json:"description"`
	PhotoURL    string         `json:"photo_url"`
	Status      IncidentStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// QueueLocation is a place whose queue the community reports on.
type QueueLocation struct {
	ID          int64  `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	MaxCapacity int    `json:"max_capacity"`
	IsActive    bool   `json:"is_active"`
}

// QueueCheckin records a user's queue number at a location.
type QueueCheckin struct {
	ID          string    `json:"id"`
	LocationID  int64     `json:"location_id"`
	From        string    `json:"wa_from"`
	QueueNumber int       `json:"queue_number"`
	CreatedAt   time.Time `json:"created_at"`
}

// SpeedReport records how fast a queue is moving.
type SpeedReport struct {
	ID         string     `json:"id"`
	LocationID int64      `json:"location_id"`
	From       string     `json:"wa_from"`
	Speed      QueueSpeed `json:"speed"`
	CreatedAt  time.Time  `json:"created_at"`
}

// QueueIssue is a free-text problem report at a location.
type QueueIssue struct {
	ID         string    `json:"id"`
	LocationID int64     `json:"location_id"`
	From       string    `json:"wa_from"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// WeeklyLog is one transcribed voice journal entry, keyed by ISO week.
type WeeklyLog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Week       string    `json:"week"`
	Transcript string    `json:"transcript"`
	Summary    string    `json:"summary"`
	Mood       string    `json:"mood"`
	Highlights string    `json:"highlights"`
	AudioURL   string    `json:"audio_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeadLetter preserves user data that could not be persisted normally.
type DeadLetter struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Flow      string    `json:"flow"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
