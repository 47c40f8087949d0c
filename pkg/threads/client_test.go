package threads

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
)

func TestClient_FetchThreads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/threads", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"id":"t-2","title":"Later","message_count":4},
			{"id":"t-1","title":"Earlier","message_count":2}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	threads, err := c.FetchThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 2)
	// server ordering preserved
	require.Equal(t, "t-2", threads[0].ID)
	require.Equal(t, 4, threads[0].MessageCount)
}

func TestClient_CreateThread(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/threads", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, `{"id":"t-9","title":"My topic"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	th, err := c.CreateThread(context.Background(), "My topic")
	require.NoError(t, err)
	require.Equal(t, "t-9", th.ID)
	require.Equal(t, "My topic", th.Title)
	require.Equal(t, "My topic", gotBody["title"])
}

func TestClient_CreateThreadEmptyTitleFallsBack(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, `{"id":"t-9","title":""}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	th, err := c.CreateThread(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "New Chat", th.Title)

	// an empty title is sent as an explicit null so the server picks its
	// own default
	v, present := gotBody["title"]
	require.True(t, present)
	require.Nil(t, v)
}

func TestClient_RenameThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/threads/t-1/title", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "Renamed", body["title"])
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.RenameThread(context.Background(), "t-1", "Renamed"))
}

func TestClient_DeleteThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/threads/t-1", r.URL.Path)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.DeleteThread(context.Background(), "t-1"))
}

func TestClient_FetchMessagesNormalizesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/t-1/messages", r.URL.Path)
		_, _ = io.WriteString(w, `[
			{"role":"user","content":"plain string"},
			{"role":"assistant","content":[{"type":"text","text":"typed parts"}]},
			{"role":"system","content":"dropped"},
			{"role":"user","content":[{"type":"text","text":"last"}]}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	msgs, err := c.FetchMessages(context.Background(), "t-1")
	require.NoError(t, err)

	// the unsupported role is skipped, not fatal
	require.Len(t, msgs, 3)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "plain string", msgs[0].Text())
	require.Equal(t, "typed parts", msgs[1].Text())
	require.Equal(t, "last", msgs[2].Text())
}

func TestClient_PersistMessages(t *testing.T) {
	var got []persistMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/messages", r.URL.Path)
		require.Equal(t, "t-1", r.URL.Query().Get("thread_id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.PersistMessages(context.Background(), "t-1", chat.Conversation{
		chat.NewUserMessage("hello"),
		chat.NewAssistantMessage("hi there"),
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.Equal(t, chat.RoleUser, got[0].Role)
	require.Equal(t, "hello", got[0].Content[0].Text)
	require.Equal(t, chat.RoleAssistant, got[1].Role)
	require.Equal(t, "hi there", got[1].Content[0].Text)
}

func TestClient_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.FetchMessages(context.Background(), "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}
