package internal

import "context"

// UnreadStore is the narrow slice of the message store the counter needs.
type UnreadStore interface {
	ConversationsFor(ctx context.Context, userID string) ([]string, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
}

// UnreadCounter computes per-conversation unread tallies on demand. It is
// stateless: every call reads through to the store, and nothing is cached
// between calls.
type UnreadCounter struct {
	store UnreadStore
}

func NewUnreadCounter(store UnreadStore) *UnreadCounter {
	return &UnreadCounter{store: store}
}

// ComputeUnread returns, for every conversation the user belongs to, the
// number of messages authored by others that the user has not marked read.
// Conversations with no messages yield 0; the user's own messages never
// count.
func (c *UnreadCounter) ComputeUnread(ctx context.Context, userID string) (map[string]int, error) {
	conversations, err := c.store.ConversationsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(conversations))
	for _, conversationID := range conversations {
		n, err := c.store.CountUnread(ctx, conversationID, userID)
		if err != nil {
			return nil, err
		}
		counts[conversationID] = n
	}
	return counts, nil
}
