package usecase

import "chatengine/internal/domain"

// AggregateRuns groups a timeline into runs for display. Consecutive
// messages sharing the current run's id join it; any other message starts a
// new run keyed by its RunID, or by its own ID when RunID is empty.
func AggregateRuns(messages []domain.Message) []domain.Run {
	var runs []domain.Run
	var cur *domain.Run

	for _, msg := range messages {
		if cur != nil && msg.RunID != "" && msg.RunID == cur.ID {
			cur.Messages = append(cur.Messages, msg)
			cur.Ended = msg.ModifiedAt
			continue
		}
		if cur != nil {
			runs = append(runs, *cur)
		}
		id := msg.RunID
		if id == "" {
			id = msg.ID
		}
		cur = &domain.Run{
			ID:       id,
			Messages: []domain.Message{msg},
			Started:  msg.CreatedAt,
			Ended:    msg.ModifiedAt,
		}
	}
	if cur != nil {
		runs = append(runs, *cur)
	}
	return runs
}
