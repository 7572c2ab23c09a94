// Package compliance ranks referral destinations, units or territories by
// how well they answer referrals within the deadline.
package compliance

import (
	"fmt"
	"sort"
	"time"

	"suasflow/internal/domain"
)

type GroupBy string

const (
	GroupDestination GroupBy = "destination"
	GroupUnit        GroupBy = "unit"
	GroupTerritory   GroupBy = "territory"
)

func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case "":
		return GroupDestination, nil
	case GroupDestination, GroupUnit, GroupTerritory:
		return g, nil
	}
	return "", domain.ValidationError{Field: "group_by", Reason: fmt.Sprintf("must be destination, unit or territory, got %q", s)}
}

// Weights tune the score. OnTimeWeight applies to the on-time fraction and
// SpeedWeight to 1/(1+avg_hours/SpeedRefHours).
type Weights struct {
	OnTimeWeight  float64 `json:"on_time_weight"`
	SpeedWeight   float64 `json:"speed_weight"`
	SpeedRefHours float64 `json:"speed_ref_hours"`
}

func DefaultWeights() Weights {
	return Weights{OnTimeWeight: 0.7, SpeedWeight: 0.3, SpeedRefHours: 24}
}

// Item is one referral with the number of reminders issued for it.
type Item struct {
	Referral  domain.Referral
	Reminders int
}

// FromLog pairs referrals with their reminder counts from the referral log.
func FromLog(refs []domain.Referral, reminders map[string]int) []Item {
	items := make([]Item, 0, len(refs))
	for _, r := range refs {
		items = append(items, Item{Referral: r, Reminders: reminders[r.ID]})
	}
	return items
}

type Score struct {
	Label              string  `json:"label"`
	Total              int     `json:"total"`
	OnTime             int     `json:"on_time"`
	Late               int     `json:"late"`
	InProgress         int     `json:"in_progress"`
	Reminders          int     `json:"reminders"`
	OnTimePct          float64 `json:"on_time_pct"`
	AvgHoursToFeedback float64 `json:"avg_hours_to_feedback"`
	Score              float64 `json:"score"`
}

type Report struct {
	GroupBy GroupBy `json:"group_by"`
	Scores  []Score `json:"scores"`
	Best    []Score `json:"best"`
	Worst   []Score `json:"worst"`
}

type bucket struct {
	score      Score
	hoursSum   float64
	hoursCount int
}

// Rank groups items and returns one score per group, best first. Cancelled
// referrals are ignored. A referral with feedback counts as on time or late
// by its feedback instant; one without feedback is late once overdue and in
// progress otherwise.
func Rank(items []Item, by GroupBy, w Weights, now time.Time) []Score {
	if w.SpeedRefHours <= 0 {
		w.SpeedRefHours = DefaultWeights().SpeedRefHours
	}
	buckets := map[string]*bucket{}
	var order []string
	for _, it := range items {
		r := it.Referral
		if r.Status == domain.StatusCancelled || r.Cancelled {
			continue
		}
		label := labelFor(r, by)
		b, ok := buckets[label]
		if !ok {
			b = &bucket{score: Score{Label: label}}
			buckets[label] = b
			order = append(order, label)
		}
		b.score.Total++
		b.score.Reminders += it.Reminders
		switch {
		case r.FeedbackAt != nil:
			if r.FeedbackOnTime() {
				b.score.OnTime++
			} else {
				b.score.Late++
			}
			h := r.FeedbackAt.Sub(r.CreatedAt).Hours()
			if h < 0 {
				h = 0
			}
			b.hoursSum += h
			b.hoursCount++
		case r.IsOverdue(now):
			b.score.Late++
		default:
			b.score.InProgress++
		}
	}

	scores := make([]Score, 0, len(order))
	for _, label := range order {
		b := buckets[label]
		s := b.score
		if closed := s.OnTime + s.Late; closed > 0 {
			s.OnTimePct = float64(s.OnTime) / float64(closed) * 100
		}
		speed := 0.0
		if b.hoursCount > 0 {
			s.AvgHoursToFeedback = b.hoursSum / float64(b.hoursCount)
			speed = 1 / (1 + s.AvgHoursToFeedback/w.SpeedRefHours)
		}
		s.Score = w.OnTimeWeight*s.OnTimePct/100 + w.SpeedWeight*speed
		scores = append(scores, s)
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Label < scores[j].Label
	})
	return scores
}

// Best returns the n highest scores. n <= 0 returns all of them.
func Best(scores []Score, n int) []Score {
	out := append([]Score(nil), scores...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	return head(out, n)
}

// Worst returns the n lowest scores, lowest first.
func Worst(scores []Score, n int) []Score {
	out := append([]Score(nil), scores...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	return head(out, n)
}

// Build ranks items and fills the best and worst lists.
func Build(items []Item, by GroupBy, w Weights, topN int, now time.Time) Report {
	scores := Rank(items, by, w, now)
	return Report{
		GroupBy: by,
		Scores:  scores,
		Best:    Best(scores, topN),
		Worst:   Worst(scores, topN),
	}
}

func head(s []Score, n int) []Score {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

func labelFor(r domain.Referral, by GroupBy) string {
	switch by {
	case GroupUnit:
		return r.UnitID
	case GroupTerritory:
		if r.Territory == "" {
			return "(sem território)"
		}
		return r.Territory
	default:
		if r.DestinationName == "" {
			return "(sem destino)"
		}
		return r.DestinationName
	}
}
