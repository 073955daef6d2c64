package usecase

import (
	"chatengine/internal/domain"
)

// HistoryOptions bounds the outbound history.
type HistoryOptions struct {
	MaxMessages int // 0 = unlimited
	MaxTokens   int // 0 = unlimited; needs a TokenCounter
}

// HistoryBuilder turns a stored timeline into the message list sent to a
// model service.
type HistoryBuilder struct {
	opts    HistoryOptions
	counter domain.TokenCounter
}

// NewHistoryBuilder creates a history builder. counter may be nil, in which
// case MaxTokens is ignored.
func NewHistoryBuilder(opts HistoryOptions, counter domain.TokenCounter) *HistoryBuilder {
	return &HistoryBuilder{opts: opts, counter: counter}
}

// Build assembles: instructions + filtered, repaired, truncated history.
// shrink halves the kept history that many times; it is raised when a
// service reports a context overflow.
func (b *HistoryBuilder) Build(conv *domain.Conversation, shrink int) []domain.Message {
	hist := RepairTranscript(filterOutbound(conv.Messages))

	limit := b.opts.MaxMessages
	if shrink > 0 {
		if limit <= 0 || limit > len(hist) {
			limit = len(hist)
		}
		limit >>= shrink
		if limit < 1 {
			limit = 1
		}
	}
	hist = truncateGroups(hist, limit)

	var system []domain.Message
	if conv.Instructions != "" {
		system = append(system, domain.Message{
			Role:    domain.RoleSystem,
			Kind:    domain.KindInstruction,
			Content: []domain.ContentPart{domain.TextPart(conv.Instructions)},
			Done:    true,
		})
	}
	hist = b.fitTokens(system, hist)

	return append(system, hist...)
}

// filterOutbound drops messages that never go to a model: error and local
// kinds, stored system messages, and assistant messages still mid-stream.
// Instruction-kind messages are sent with the system role.
func filterOutbound(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case domain.KindError, domain.KindLocal:
			continue
		case domain.KindInstruction:
			m.Role = domain.RoleSystem
			out = append(out, m)
			continue
		}
		if m.Role == domain.RoleSystem {
			continue
		}
		if m.Role == domain.RoleAssistant && !m.Done {
			continue
		}
		out = append(out, m)
	}
	return out
}

// fitTokens drops the oldest groups until system+history fits MaxTokens.
// The newest group is always kept.
func (b *HistoryBuilder) fitTokens(system, hist []domain.Message) []domain.Message {
	if b.counter == nil || b.opts.MaxTokens <= 0 {
		return hist
	}
	groups := groupMessages(hist)
	budget := b.opts.MaxTokens - b.counter.CountMessages(system)

	total := 0
	start := len(groups)
	for i := len(groups) - 1; i >= 0; i-- {
		cost := b.counter.CountMessages(groups[i])
		if total+cost > budget && start < len(groups) {
			break
		}
		total += cost
		start = i
	}
	return flatten(groups[start:])
}

// truncateGroups keeps the newest groups within maxMessages, never splitting
// an assistant tool call from its results.
func truncateGroups(history []domain.Message, maxMessages int) []domain.Message {
	if maxMessages <= 0 || len(history) <= maxMessages {
		return history
	}
	groups := groupMessages(history)

	total := 0
	start := len(groups)
	for i := len(groups) - 1; i >= 0; i-- {
		n := len(groups[i])
		if total+n > maxMessages && total > 0 {
			break
		}
		total += n
		start = i
	}
	return flatten(groups[start:])
}

// groupMessages partitions messages into atomic groups. An assistant message
// with tool calls and the tool messages right after it form one group.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAssistant && msg.HasToolCalls() {
			group := []domain.Message{msg}
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				group = append(group, msgs[j])
				j++
			}
			groups = append(groups, group)
			i = j
		} else {
			groups = append(groups, []domain.Message{msg})
			i++
		}
	}
	return groups
}

func flatten(groups [][]domain.Message) []domain.Message {
	var out []domain.Message
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
