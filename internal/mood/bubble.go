package mood

import (
	"fmt"
	"math"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Bubble is the daily summary derived from an entry.
type Bubble struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Date      string    `json:"bubble_date"`
	Score     float64   `json:"score"`
	Mood      string    `json:"mood"`
	Color     string    `json:"color"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

type band struct {
	below float64
	mood  string
	color string
}

// bands split the wellbeing score; the last band catches the rest.
var bands = []band{
	{2, "low", "#E57373"},
	{3, "tense", "#FFB74D"},
	{4, "balanced", "#81C784"},
	{math.Inf(1), "radiant", "#4FC3F7"},
}

// BubbleFor derives the bubble of an entry. Message is an i18n key.
func BubbleFor(e Entry) Bubble {
	score := math.Round(e.Wellbeing()*100) / 100
	b := bands[len(bands)-1]
	for _, candidate := range bands {
		if score < candidate.below {
			b = candidate
			break
		}
	}
	return Bubble{
		UserID:  e.UserID,
		Date:    e.Date,
		Score:   score,
		Mood:    b.mood,
		Color:   b.color,
		Message: "bubble." + b.mood,
	}
}

// DecodeBubble maps a daily_bubbles row.
func DecodeBubble(r gateway.Row) (Bubble, error) {
	if r.String("id") == "" || r.String("user_id") == "" {
		return Bubble{}, fmt.Errorf("bubble without id or user_id")
	}
	return Bubble{
		ID:        r.String("id"),
		UserID:    r.String("user_id"),
		Date:      r.Date("bubble_date"),
		Score:     r.Float("score"),
		Mood:      r.String("mood"),
		Color:     r.String("color"),
		Message:   r.String("message"),
		UpdatedAt: r.Time("updated_at"),
	}, nil
}

// NewerBubble orders bubbles by date, latest first.
func NewerBubble(a, b Bubble) bool { return a.Date > b.Date }
