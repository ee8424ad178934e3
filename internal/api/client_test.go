package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["username"])

		json.NewEncoder(w).Encode(Session{Token: "tok123", UserID: 42, Username: "alice"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	s, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, int64(42), s.UserID)
	assert.Equal(t, "tok123", c.Token())
}

func TestBearerTokenSentOnRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Profile{ID: 42, Username: "alice"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetToken("tok123")
	p, err := c.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
}

func TestErrorMappingAndUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "token expired"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.WhoAmI(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "token expired", apiErr.Message)
	assert.True(t, IsUnauthorized(err))
}

func TestIsUnauthorizedFalseForOtherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.WhoAmI(context.Background())
	require.Error(t, err)
	assert.False(t, IsUnauthorized(err))
}

func TestFriendsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/friends", r.URL.Path)
		w.Write([]byte(`[{"id":7,"username":"bob","status":"ONLINE"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	friends, err := c.Friends(context.Background())
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].Username)
	assert.Equal(t, "ONLINE", friends[0].Status)
}

func TestHistoryDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages/1_7", r.URL.Path)
		w.Write([]byte(`[{"id":3,"senderId":7,"receiverId":1,"content":"hey","timestamp":100}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	msgs, err := c.History(context.Background(), "1_7")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(3), msgs[0].ID)
	assert.Equal(t, "hey", msgs[0].Content)
}

func TestDeleteConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/messages/1_7", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.DeleteConversation(context.Background(), "1_7"))
}
