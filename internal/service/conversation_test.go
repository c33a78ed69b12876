package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/portal/internal/model"
	"github.com/portal/internal/repository"
	"github.com/portal/internal/service"
)

func TestStartDirectChatIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")

	first, created, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	require.True(t, created)

	// Same pair again, and in the reverse argument order: same chat.
	second, created, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	third, created, err := f.conv.StartDirectChat(ctx, bob, alice)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, third.ID)
}

func TestStartDirectChatRejectsSelfAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")

	_, _, err := f.conv.StartDirectChat(ctx, alice, alice)
	require.ErrorIs(t, err, service.ErrInvalidArgument)

	_, _, err = f.conv.StartDirectChat(ctx, alice, "")
	require.ErrorIs(t, err, service.ErrInvalidArgument)

	_, _, err = f.conv.StartDirectChat(ctx, alice, "no-such-user")
	require.ErrorIs(t, err, service.ErrNotFound)
}

func TestStartDirectChatReopensAfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")

	chat, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	_, err = f.conv.SendMessage(ctx, chat.ID, alice, "hello")
	require.NoError(t, err)

	require.NoError(t, f.conv.DeleteChatForUser(ctx, chat.ID, bob))

	// The direct channel is unique for the pair's lifetime, so restarting
	// it must reinstate Bob rather than leave him locked out.
	reopened, created, err := f.conv.StartDirectChat(ctx, bob, alice)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, chat.ID, reopened.ID)

	bobChats, err := f.conv.GetUserChats(ctx, bob)
	require.NoError(t, err)
	found := false
	for _, c := range bobChats {
		if c.ID == chat.ID {
			found = true
		}
	}
	require.True(t, found)

	_, err = f.conv.SendMessage(ctx, chat.ID, bob, "hi again")
	require.NoError(t, err)
}

func TestChatCreationIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")

	key := service.DirectKey(alice, bob)
	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        uuid.New().String(),
		DirectKey: key,
		CreatedBy: alice,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// The duplicate participant row violates the composite key, so the
	// whole transaction must roll back and release the direct key.
	parts := []model.ChatParticipant{
		{ChatID: chat.ID, UserID: alice, LastReadAt: now, JoinedAt: now},
		{ChatID: chat.ID, UserID: alice, LastReadAt: now, JoinedAt: now},
	}
	require.Error(t, f.chats.CreateWithParticipants(ctx, chat, parts))

	_, err := f.chats.FindDirectChat(ctx, key)
	require.ErrorIs(t, err, repository.ErrNotFound)

	// The pair can still create their chat normally afterwards.
	summary, created, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, summary.Participants, 2)
}

func TestDirectChatNamedAfterOtherSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")

	forAlice, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	require.Equal(t, "Bob", forAlice.Name)

	forBob, err := f.conv.GetChatSummary(ctx, forAlice.ID, bob)
	require.NoError(t, err)
	require.Equal(t, "Alice", forBob.Name)
}

func TestCreateGroupChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	carol := f.newUser(t, "Carol")

	_, err := f.conv.CreateGroupChat(ctx, alice, "  ", []string{bob})
	require.ErrorIs(t, err, service.ErrInvalidArgument)

	// Duplicate ids and the creator in the member list collapse to one row.
	summary, err := f.conv.CreateGroupChat(ctx, alice, "Ward 3", []string{bob, carol, bob, alice})
	require.NoError(t, err)
	require.True(t, summary.IsGroup)
	require.Equal(t, "Ward 3", summary.Name)
	require.Len(t, summary.Participants, 3)

	admins := 0
	for _, p := range summary.Participants {
		if p.IsAdmin {
			admins++
			require.Equal(t, alice, p.UserID)
		}
	}
	require.Equal(t, 1, admins)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	mallory := f.newUser(t, "Mallory")

	chat, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)

	_, err = f.conv.SendMessage(ctx, chat.ID, alice, "   ")
	require.ErrorIs(t, err, service.ErrInvalidArgument)

	_, err = f.conv.SendMessage(ctx, chat.ID, mallory, "hi")
	require.ErrorIs(t, err, service.ErrNotFound)

	msg, err := f.conv.SendMessage(ctx, chat.ID, alice, "hello")
	require.NoError(t, err)
	require.Equal(t, "Alice", msg.SenderName)
	require.Equal(t, chat.ID, msg.ChatID)
}

func TestMessageOrderingAndPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")

	chat, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)

	sent := make([]string, 0, 5)
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		m, err := f.conv.SendMessage(ctx, chat.ID, alice, text)
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}

	all, err := f.conv.GetChatMessages(ctx, chat.ID, bob, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		require.Equal(t, sent[i], m.ID)
	}

	page, err := f.conv.GetChatMessages(ctx, chat.ID, bob, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, sent[2], page[0].ID)
	require.Equal(t, sent[3], page[1].ID)

	_, err = f.conv.GetChatMessages(ctx, chat.ID, f.newUser(t, "Eve"), 0, 10)
	require.ErrorIs(t, err, service.ErrForbidden)
}

func TestUnreadLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")

	chat, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)

	// Own messages never count as unread for the sender.
	_, err = f.conv.SendMessage(ctx, chat.ID, alice, "hello")
	require.NoError(t, err)
	_, err = f.conv.SendMessage(ctx, chat.ID, alice, "are you there?")
	require.NoError(t, err)

	forAlice, err := f.conv.GetChatSummary(ctx, chat.ID, alice)
	require.NoError(t, err)
	require.Equal(t, 0, forAlice.UnreadCount)

	forBob, err := f.conv.GetChatSummary(ctx, chat.ID, bob)
	require.NoError(t, err)
	require.Equal(t, 2, forBob.UnreadCount)

	total, err := f.unread.ComputeTotalUnread(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 1, total)

	require.NoError(t, f.conv.MarkChatAsRead(ctx, chat.ID, bob))
	forBob, err = f.conv.GetChatSummary(ctx, chat.ID, bob)
	require.NoError(t, err)
	require.Equal(t, 0, forBob.UnreadCount)

	total, err = f.unread.ComputeTotalUnread(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 0, total)

	// Marking unread pulls the watermark back to the epoch.
	require.NoError(t, f.conv.MarkChatAsUnread(ctx, chat.ID, bob))
	forBob, err = f.conv.GetChatSummary(ctx, chat.ID, bob)
	require.NoError(t, err)
	require.Equal(t, 2, forBob.UnreadCount)

	// A message sent after a read starts the count again from one.
	require.NoError(t, f.conv.MarkChatAsRead(ctx, chat.ID, bob))
	_, err = f.conv.SendMessage(ctx, chat.ID, alice, "one more")
	require.NoError(t, err)

	forBob, err = f.conv.GetChatSummary(ctx, chat.ID, bob)
	require.NoError(t, err)
	require.Equal(t, 1, forBob.UnreadCount)
	total, err = f.unread.ComputeTotalUnread(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestIsMemberReflectsSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	eve := f.newUser(t, "Eve")

	group, err := f.conv.CreateGroupChat(ctx, alice, "ICU", []string{bob})
	require.NoError(t, err)

	member, err := f.conv.IsMember(ctx, group.ID, bob)
	require.NoError(t, err)
	require.True(t, member)

	member, err = f.conv.IsMember(ctx, group.ID, eve)
	require.NoError(t, err)
	require.False(t, member)

	// Leaving revokes membership even though the row (and read access to
	// history) remains.
	require.NoError(t, f.conv.DeleteChatForUser(ctx, group.ID, bob))
	member, err = f.conv.IsMember(ctx, group.ID, bob)
	require.NoError(t, err)
	require.False(t, member)
	_, err = f.conv.GetChatMessages(ctx, group.ID, bob, 0, 10)
	require.NoError(t, err)
}

func TestMarkReadRequiresParticipation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	eve := f.newUser(t, "Eve")

	chat, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)

	require.ErrorIs(t, f.conv.MarkChatAsRead(ctx, chat.ID, eve), service.ErrNotFound)
	require.ErrorIs(t, f.conv.MarkChatAsUnread(ctx, chat.ID, eve), service.ErrNotFound)
}

func TestSoftDeleteIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	carol := f.newUser(t, "Carol")

	group, err := f.conv.CreateGroupChat(ctx, alice, "Night shift", []string{bob, carol})
	require.NoError(t, err)
	_, err = f.conv.SendMessage(ctx, group.ID, alice, "handover at 7")
	require.NoError(t, err)

	require.NoError(t, f.conv.DeleteChatForUser(ctx, group.ID, bob))

	// Gone from Bob's list, still in Carol's.
	bobChats, err := f.conv.GetUserChats(ctx, bob)
	require.NoError(t, err)
	for _, c := range bobChats {
		require.NotEqual(t, group.ID, c.ID)
	}
	carolChats, err := f.conv.GetUserChats(ctx, carol)
	require.NoError(t, err)
	found := false
	for _, c := range carolChats {
		if c.ID == group.ID {
			found = true
		}
	}
	require.True(t, found)

	// History stays readable and a hidden chat accepts no messages.
	history, err := f.conv.GetChatMessages(ctx, group.ID, bob, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	_, err = f.conv.SendMessage(ctx, group.ID, bob, "hello?")
	require.ErrorIs(t, err, service.ErrNotFound)

	// A hidden chat never counts toward the unread total.
	total, err := f.unread.ComputeTotalUnread(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestReAddAfterDeleteReinstates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	carol := f.newUser(t, "Carol")

	group, err := f.conv.CreateGroupChat(ctx, alice, "Pharmacy", []string{bob, carol})
	require.NoError(t, err)
	require.NoError(t, f.conv.DeleteChatForUser(ctx, group.ID, bob))

	added, err := f.conv.AddMembers(ctx, group.ID, alice, []string{bob})
	require.NoError(t, err)
	require.Equal(t, []string{bob}, added)

	bobChats, err := f.conv.GetUserChats(ctx, bob)
	require.NoError(t, err)
	found := false
	for _, c := range bobChats {
		if c.ID == group.ID {
			found = true
		}
	}
	require.True(t, found)
}

func TestAddMembersRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	carol := f.newUser(t, "Carol")
	eve := f.newUser(t, "Eve")

	group, err := f.conv.CreateGroupChat(ctx, alice, "Radiology", []string{bob})
	require.NoError(t, err)

	// Existing members are skipped, new ones reported.
	added, err := f.conv.AddMembers(ctx, group.ID, alice, []string{bob, carol})
	require.NoError(t, err)
	require.Equal(t, []string{carol}, added)

	// Adding the same member twice is a no-op.
	added, err = f.conv.AddMembers(ctx, group.ID, alice, []string{carol})
	require.NoError(t, err)
	require.Empty(t, added)

	// Outsiders cannot change membership.
	_, err = f.conv.AddMembers(ctx, group.ID, eve, []string{eve})
	require.ErrorIs(t, err, service.ErrForbidden)

	// Direct chats have fixed membership.
	direct, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	_, err = f.conv.AddMembers(ctx, direct.ID, alice, []string{carol})
	require.ErrorIs(t, err, service.ErrInvalidArgument)
}

func TestChatListOrderFollowsActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")
	carol := f.newUser(t, "Carol")

	first, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	second, _, err := f.conv.StartDirectChat(ctx, alice, carol)
	require.NoError(t, err)

	// A message in the older chat moves it back to the top.
	_, err = f.conv.SendMessage(ctx, first.ID, bob, "ping")
	require.NoError(t, err)

	chats, err := f.conv.GetUserChats(ctx, alice)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, first.ID, chats[0].ID)
	require.Equal(t, second.ID, chats[1].ID)
	require.NotNil(t, chats[0].LastMessage)
	require.Equal(t, "ping", chats[0].LastMessage.Content)
}

func TestUpdateGroupAvatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.newUser(t, "Alice")
	bob := f.newUser(t, "Bob")

	group, err := f.conv.CreateGroupChat(ctx, alice, "Lab", []string{bob})
	require.NoError(t, err)
	require.NoError(t, f.conv.UpdateGroupAvatar(ctx, group.ID, "https://files.portal.local/x.png"))

	summary, err := f.conv.GetChatSummary(ctx, group.ID, alice)
	require.NoError(t, err)
	require.Equal(t, "https://files.portal.local/x.png", summary.AvatarURL)

	direct, _, err := f.conv.StartDirectChat(ctx, alice, bob)
	require.NoError(t, err)
	err = f.conv.UpdateGroupAvatar(ctx, direct.ID, "https://files.portal.local/y.png")
	require.ErrorIs(t, err, service.ErrInvalidArgument)
}
