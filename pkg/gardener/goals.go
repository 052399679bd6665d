package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nous-labs/mneme/pkg/proactive"
	"github.com/nous-labs/mneme/pkg/store"
)

const goalHorizon = 7 * 24 * time.Hour

// goalUrgency maps the time left before a deadline to an urgency in
// (0,1]. Deadlines beyond a week are not urgent.
func goalUrgency(left time.Duration) float64 {
	switch {
	case left <= 0:
		return 1.0
	case left < 24*time.Hour:
		return 0.9
	case left < 72*time.Hour:
		return 0.7
	case left < goalHorizon:
		return 0.5
	default:
		return 0
	}
}

// scanGoals schedules a check-in for each active goal due within a week.
// The dedup key keeps it to one per goal per dedup window.
func (g *Gardener) scanGoals(ctx context.Context, report *Report) error {
	if g.scheduler == nil {
		return nil
	}
	now := g.now()
	goals, err := g.db.GoalsDueBefore(ctx, now.Add(goalHorizon))
	if err != nil {
		return err
	}
	for _, goal := range goals {
		if goal.DueDate == nil {
			continue
		}
		left := goal.DueDate.Sub(now)
		urgency := goalUrgency(left)
		if urgency == 0 {
			continue
		}

		var msg string
		if left <= 0 {
			msg = fmt.Sprintf("Goal %q was due %s and is still open.", goal.Title, goal.DueDate.Format("Jan 2"))
		} else {
			msg = fmt.Sprintf("Goal %q is due %s.", goal.Title, goal.DueDate.Format("Mon Jan 2"))
		}
		ctxJSON, _ := json.Marshal(map[string]any{
			"goal_id": goal.ID,
			"urgency": urgency,
			"due":     goal.DueDate.Format(time.RFC3339),
		})

		_, created, err := g.scheduler.Schedule(ctx, proactive.ScheduleRequest{
			UserID:   goal.UserID,
			Source:   store.SourceAgent,
			Type:     "goal_checkin",
			Message:  msg,
			Context:  string(ctxJSON),
			DedupKey: "goal:" + goal.ID,
		})
		if err != nil {
			report.addError("goal %s: %v", goal.ID, err)
			continue
		}
		if created {
			report.GoalItems++
		}
	}
	return nil
}
