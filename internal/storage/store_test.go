package storage

import (
	"context"
	"errors"
	"testing"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty id")
	}
	if _, err := store.CreateUser(ctx, "alice", []byte("hash2")); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.ID != id {
		t.Fatalf("unexpected user: %+v", user)
	}

	missing, err := store.GetUserByUsername(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown user, got %+v", missing)
	}
}

func TestMembershipLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID, err := store.CreateConversation(ctx, "floor 2", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	member, err := store.IsMember(ctx, convID, "alice")
	if err != nil || !member {
		t.Fatalf("expected alice to be a member, got %v/%v", member, err)
	}

	if err := store.AddMember(ctx, convID, "carol"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	// adding twice must be a no-op
	if err := store.AddMember(ctx, convID, "carol"); err != nil {
		t.Fatalf("AddMember repeat: %v", err)
	}
	if err := store.AddMember(ctx, "missing-conv", "carol"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	members, err := store.ListMembers(ctx, convID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %v", members)
	}

	if err := store.RemoveMember(ctx, convID, "carol"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	member, err = store.IsMember(ctx, convID, "carol")
	if err != nil || member {
		t.Fatalf("expected carol removed, got %v/%v", member, err)
	}

	convs, err := store.ConversationsFor(ctx, "alice")
	if err != nil {
		t.Fatalf("ConversationsFor: %v", err)
	}
	if len(convs) != 1 || convs[0] != convID {
		t.Fatalf("unexpected conversations: %v", convs)
	}
}

func TestMessagesAndUnread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID, err := store.CreateConversation(ctx, "", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	// empty conversation counts zero
	count, err := store.CountUnread(ctx, convID, "bob")
	if err != nil || count != 0 {
		t.Fatalf("expected 0 unread in empty conversation, got %d/%v", count, err)
	}

	first, err := store.SaveMessage(ctx, convID, "alice", "hello", "", nil)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if first.ID == "" || first.SenderID != "alice" {
		t.Fatalf("unexpected message: %+v", first)
	}
	if _, err := store.SaveMessage(ctx, convID, "alice", "reply", first.ID, []Attachment{{Path: "photos/cat.jpg", MimeType: "image/jpeg", SizeBytes: 1234}}); err != nil {
		t.Fatalf("SaveMessage with attachment: %v", err)
	}

	// own messages never count as unread
	count, err = store.CountUnread(ctx, convID, "alice")
	if err != nil || count != 0 {
		t.Fatalf("expected 0 unread for sender, got %d/%v", count, err)
	}
	count, err = store.CountUnread(ctx, convID, "bob")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 unread for bob, got %d/%v", count, err)
	}

	marked, err := store.MarkConversationRead(ctx, convID, "bob")
	if err != nil || marked != 2 {
		t.Fatalf("expected 2 marked, got %d/%v", marked, err)
	}
	// marking again finds nothing new
	marked, err = store.MarkConversationRead(ctx, convID, "bob")
	if err != nil || marked != 0 {
		t.Fatalf("expected 0 marked on repeat, got %d/%v", marked, err)
	}
	count, err = store.CountUnread(ctx, convID, "bob")
	if err != nil || count != 0 {
		t.Fatalf("expected 0 unread after mark, got %d/%v", count, err)
	}
}

func TestSoftDeletedMessagesSkipUnread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID, err := store.CreateConversation(ctx, "", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msg, err := store.SaveMessage(ctx, convID, "alice", "oops", "", nil)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := store.SoftDeleteMessage(ctx, convID, msg.ID, "alice"); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}
	count, err := store.CountUnread(ctx, convID, "bob")
	if err != nil || count != 0 {
		t.Fatalf("expected deleted message excluded, got %d/%v", count, err)
	}
	// deleting again finds nothing
	if err := store.SoftDeleteMessage(ctx, convID, msg.ID, "alice"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound on repeat delete, got %v", err)
	}
}

func TestUpdateMessageOwnershipGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID, err := store.CreateConversation(ctx, "", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msg, err := store.SaveMessage(ctx, convID, "alice", "helo", "", nil)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	updated, err := store.UpdateMessage(ctx, convID, msg.ID, "alice", "hello")
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if updated.Body != "hello" || updated.ID != msg.ID {
		t.Fatalf("unexpected updated message: %+v", updated)
	}

	// only the sender may edit
	if _, err := store.UpdateMessage(ctx, convID, msg.ID, "bob", "hacked"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for non-sender, got %v", err)
	}
	// the sender may not delete through someone else's id either
	if err := store.SoftDeleteMessage(ctx, convID, msg.ID, "bob"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound for non-sender delete, got %v", err)
	}

	// deleted messages are no longer editable
	if err := store.SoftDeleteMessage(ctx, convID, msg.ID, "alice"); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}
	if _, err := store.UpdateMessage(ctx, convID, msg.ID, "alice", "too late"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound after delete, got %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
