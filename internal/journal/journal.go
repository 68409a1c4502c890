// Package journal holds the records the assistant keeps about the user:
// tracked actions and outcomes, journal messages, and the insights mined
// from them.
package journal

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-day format stored on actions and outcomes.
const DateLayout = "2006-01-02"

// Today returns the local calendar day.
func Today() string {
	return time.Now().Format(DateLayout)
}

// DayOf formats t as a local calendar day.
func DayOf(t time.Time) string {
	return t.Local().Format(DateLayout)
}

// ParseDay parses a calendar day without timezone conversion.
func ParseDay(day string) (time.Time, error) {
	return time.Parse(DateLayout, day)
}

// Action is something the user tried or did.
type Action struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Date        string    `json:"date"`
	CreatedAt   time.Time `json:"created_at"`
	Expectation *string   `json:"expectation,omitempty"`
	CheckInDays *int      `json:"check_in_days,omitempty"`
	CheckedIn   bool      `json:"checked_in"`
}

// CheckInDue reports whether the action asked for a check-in that is now due.
func (a Action) CheckInDue(now time.Time) bool {
	if a.CheckedIn || a.CheckInDays == nil {
		return false
	}
	day, err := ParseDay(a.Date)
	if err != nil {
		return false
	}
	due := day.AddDate(0, 0, *a.CheckInDays)
	today, _ := ParseDay(now.Format(DateLayout))
	return !today.Before(due)
}

// Outcome is how the user felt at a given time.
type Outcome struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Date        string    `json:"date"`
	CreatedAt   time.Time `json:"created_at"`
	Rating      *int      `json:"rating,omitempty"`
}

const (
	MinRating = -2
	MaxRating = 2
)

func (o Outcome) Validate() error {
	if strings.TrimSpace(o.Description) == "" {
		return fmt.Errorf("outcome: empty description")
	}
	if o.Rating != nil && (*o.Rating < MinRating || *o.Rating > MaxRating) {
		return fmt.Errorf("outcome: rating %d out of range [%d,%d]", *o.Rating, MinRating, MaxRating)
	}
	return nil
}

func (a Action) Validate() error {
	if strings.TrimSpace(a.Description) == "" {
		return fmt.Errorf("action: empty description")
	}
	if a.CheckInDays != nil && *a.CheckInDays < 0 {
		return fmt.Errorf("action: negative check-in delay")
	}
	return nil
}

// Message is one line of the journal conversation.
type Message struct {
	ID               int64     `json:"id"`
	Text             string    `json:"text"`
	IsUser           bool      `json:"is_user"`
	CreatedAt        time.Time `json:"created_at"`
	RelatedActionID  *int64    `json:"related_action_id,omitempty"`
	RelatedOutcomeID *int64    `json:"related_outcome_id,omitempty"`
}

type Confidence string

const (
	ConfidenceHigh      Confidence = "high"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceLow       Confidence = "low"
	ConfidenceNeedsData Confidence = "needs_data"
)

// ParseConfidence maps free text onto a confidence level, falling back to
// medium for anything it does not recognise.
func ParseConfidence(s string) Confidence {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch {
	case strings.HasPrefix(s, "high"):
		return ConfidenceHigh
	case strings.HasPrefix(s, "low"):
		return ConfidenceLow
	case strings.HasPrefix(s, "needs_data"), strings.HasPrefix(s, "needs_more"):
		return ConfidenceNeedsData
	default:
		return ConfidenceMedium
	}
}

// Insight is a persisted statement about a detected pattern.
type Insight struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Emoji           string     `json:"emoji"`
	Confidence      Confidence `json:"confidence"`
	ActionCategory  *string    `json:"action_category,omitempty"`
	OutcomeCategory *string    `json:"outcome_category,omitempty"`
	Occurrences     int        `json:"occurrences"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Stats summarises the store for status displays.
type Stats struct {
	TotalEntries int `json:"total_entries"`
	TotalDays    int `json:"total_days"`
	Insights     int `json:"insights"`
	Messages     int `json:"messages"`
	// Ratings maps outcome category to its mean rating.
	Ratings map[string]float64 `json:"ratings,omitempty"`
}
