package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

func registerRoomAt(t *testing.T, reg *Registry, roomID, url string) {
	t.Helper()
	err := reg.Register(context.Background(), &models.Room{
		RoomID:       roomID,
		URL:          url,
		Capabilities: []string{"web_search"},
	})
	require.NoError(t, err)
}

func TestClient_Delegate_SynchronousResultReturnsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(roomTaskResponse{
			Status: "complete",
			Result: &models.InstrumentResult{Summary: "done", Outcome: models.OutcomeComplete},
		})
	}))
	defer srv.Close()

	_, rc := setupTestRedis(t)
	reg := NewRegistry(rc, "")
	registerRoomAt(t, reg, "room-1", srv.URL)

	c := NewClient(reg, ClientOptions{})
	result, err := c.Delegate(context.Background(), "room-1", "find docs", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Summary)
}

func TestClient_Delegate_PollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/task":
			_ = json.NewEncoder(w).Encode(roomTaskResponse{Status: "running"})
		case "/task/status":
			calls++
			if calls < 2 {
				_ = json.NewEncoder(w).Encode(roomTaskResponse{Status: "running"})
				return
			}
			_ = json.NewEncoder(w).Encode(roomTaskResponse{
				Status: "complete",
				Result: &models.InstrumentResult{Summary: "eventually", Outcome: models.OutcomeComplete},
			})
		}
	}))
	defer srv.Close()

	_, rc := setupTestRedis(t)
	reg := NewRegistry(rc, "")
	registerRoomAt(t, reg, "room-1", srv.URL)

	c := NewClient(reg, ClientOptions{PollEvery: 10 * time.Millisecond})
	result, err := c.Delegate(context.Background(), "room-1", "find docs", nil)
	require.NoError(t, err)
	assert.Equal(t, "eventually", result.Summary)
}

func TestClient_Delegate_ServerErrorIsDelegationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, rc := setupTestRedis(t)
	reg := NewRegistry(rc, "")
	registerRoomAt(t, reg, "room-1", srv.URL)

	c := NewClient(reg, ClientOptions{})
	_, err := c.Delegate(context.Background(), "room-1", "find docs", nil)
	require.Error(t, err)
	var delegErr *DelegationError
	require.ErrorAs(t, err, &delegErr)
	assert.Equal(t, "room-1", delegErr.RoomID)
}

func TestClient_Delegate_UnknownRoomIsDelegationError(t *testing.T) {
	_, rc := setupTestRedis(t)
	reg := NewRegistry(rc, "")
	c := NewClient(reg, ClientOptions{})

	_, err := c.Delegate(context.Background(), "ghost-room", "find docs", nil)
	var delegErr *DelegationError
	require.ErrorAs(t, err, &delegErr)
}

func TestClient_Delegate_UnreachableRoomIsDelegationError(t *testing.T) {
	_, rc := setupTestRedis(t)
	reg := NewRegistry(rc, "")
	registerRoomAt(t, reg, "room-1", "http://127.0.0.1:1") // nothing listens here

	c := NewClient(reg, ClientOptions{Timeout: 500 * time.Millisecond})
	_, err := c.Delegate(context.Background(), "room-1", "find docs", nil)
	var delegErr *DelegationError
	require.ErrorAs(t, err, &delegErr)
	assert.Equal(t, "room-1", delegErr.RoomID)
}
