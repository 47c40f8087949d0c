package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_AppendAssignsSequence(t *testing.T) {
	s := NewStore()
	u := s.Append(NewUserMessage("hello"))
	a := s.Append(NewAssistantMessage("hi"))

	require.Equal(t, int64(1), u.Seq)
	require.Equal(t, int64(2), a.Seq)
	require.Equal(t, 2, s.Len())
}

func TestStore_AppendKeepsExistingSequence(t *testing.T) {
	s := NewStore()
	m := NewUserMessage("hello")
	m.Seq = 7
	got := s.Append(m)
	require.Equal(t, int64(7), got.Seq)

	// next fresh message continues past the highest seen seq
	next := s.Append(NewAssistantMessage("hi"))
	require.Equal(t, int64(8), next.Seq)
}

func TestStore_TruncateAfterSeq(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("u1"))
	a1 := s.Append(NewAssistantMessage("a1"))
	s.Append(NewUserMessage("u2"))
	s.Append(NewAssistantMessage("a2"))

	require.True(t, s.TruncateAfterSeq(a1.Seq))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a1", msgs[1].Text())

	require.False(t, s.TruncateAfterSeq(999))
	require.Equal(t, 2, s.Len())
}

func TestStore_TruncateBeforeSeq(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("u1"))
	s.Append(NewAssistantMessage("a1"))
	u2 := s.Append(NewUserMessage("u2"))
	s.Append(NewAssistantMessage("a2"))

	require.True(t, s.TruncateBeforeSeq(u2.Seq))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a1", msgs[1].Text())
}

func TestStore_VisibleIncludesDraft(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("hello"))

	require.Len(t, s.Visible(), 1)

	s.AppendToDraft("Hi")
	s.AppendToDraft(" there")

	visible := s.Visible()
	require.Len(t, visible, 2)
	require.Equal(t, RoleAssistant, visible[1].Role)
	require.Equal(t, "Hi there", visible[1].Text())

	// the draft is not part of the durable log
	require.Equal(t, 1, s.Len())
}

func TestStore_FinalizeDraftIsAtomic(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("hello"))
	s.AppendToDraft("Hi there")

	reply := s.FinalizeDraft()
	require.Equal(t, "Hi there", reply.Text())
	require.Equal(t, RoleAssistant, reply.Role)

	// no frame with both the synthetic draft and the durable message
	visible := s.Visible()
	require.Len(t, visible, 2)
	require.Equal(t, "", s.Draft())
}

func TestStore_FinalizeAssistantDiscardsDraft(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("hello"))
	s.AppendToDraft("partial garbage")

	reply := s.FinalizeAssistant("Sorry.")
	require.Equal(t, "Sorry.", reply.Text())
	require.Equal(t, "", s.Draft())

	visible := s.Visible()
	require.Len(t, visible, 2)
	require.Equal(t, "Sorry.", visible[1].Text())
}

func TestStore_DiscardDraft(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("hello"))
	s.AppendToDraft("partial")
	s.DiscardDraft()

	require.Len(t, s.Visible(), 1)
	require.Equal(t, 1, s.Len())
}

func TestConversation_UserMessages(t *testing.T) {
	c := Conversation{
		NewUserMessage("u1"),
		NewAssistantMessage("a1"),
		NewUserMessage("u2"),
		NewAssistantMessage("a2"),
	}
	users := c.UserMessages()
	require.Len(t, users, 2)
	require.Equal(t, "u1", users[0].Text())
	require.Equal(t, "u2", users[1].Text())
}

func TestConversation_WithoutTrailingAssistants(t *testing.T) {
	c := Conversation{
		NewUserMessage("u1"),
		NewAssistantMessage("a1"),
		NewAssistantMessage("a2"),
	}
	trimmed := c.WithoutTrailingAssistants()
	require.Len(t, trimmed, 1)
	require.Equal(t, RoleUser, trimmed[0].Role)

	all := Conversation{NewAssistantMessage("a1")}
	require.Empty(t, all.WithoutTrailingAssistants())
}
