package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/models"
)

func setupTestManager(t *testing.T, fanoutLimit int) (*Manager, *httptest.Server) {
	t.Helper()

	manager := NewManager(fanoutLimit, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn, r.RemoteAddr, r.UserAgent())
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// joinRoom performs the join handshake and returns the room-joined reply.
func joinRoom(t *testing.T, conn *websocket.Conn, room string, filters map[string]any) map[string]any {
	t.Helper()
	writeJSON(t, conn, ClientMessage{Action: "join-room", Room: room, Filters: filters})
	msg := readJSON(t, conn)
	require.Equal(t, "room-joined", msg["type"])
	require.Equal(t, room, msg["room"])
	return msg
}

func TestManager_Welcome(t *testing.T) {
	_, server := setupTestManager(t, 1000)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "welcome", msg["type"])
	assert.NotEmpty(t, msg["session_id"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestManager_JoinLeave(t *testing.T) {
	manager, server := setupTestManager(t, 1000)
	conn := connectWS(t, server)
	readJSON(t, conn) // welcome

	msg := joinRoom(t, conn, "ops", map[string]any{"agentId": "agent-1"})
	assert.EqualValues(t, 1, msg["members"])
	assert.Equal(t, map[string]any{"agent_id": "agent-1"}, msg["filters"],
		"filter keys are normalized to snake_case")

	// A second joiner inherits the first join's filters.
	conn2 := connectWS(t, server)
	readJSON(t, conn2)
	msg2 := joinRoom(t, conn2, "ops", map[string]any{"agent_id": "someone-else"})
	assert.EqualValues(t, 2, msg2["members"])
	assert.Equal(t, map[string]any{"agent_id": "agent-1"}, msg2["filters"])

	writeJSON(t, conn, ClientMessage{Action: "leave-room", Room: "ops"})
	left := readJSON(t, conn)
	assert.Equal(t, "room-left", left["type"])

	waitFor(t, time.Second, func() bool { return manager.memberCount("ops") == 1 })
}

func TestManager_RoomRemovedOnLastLeave(t *testing.T) {
	manager, server := setupTestManager(t, 1000)
	conn := connectWS(t, server)
	readJSON(t, conn)

	joinRoom(t, conn, "ops", nil)
	assert.Equal(t, 1, manager.roomCount())

	writeJSON(t, conn, ClientMessage{Action: "leave-room", Room: "ops"})
	readJSON(t, conn)
	waitFor(t, time.Second, func() bool { return manager.roomCount() == 0 })
}

func TestManager_DisconnectCleansRooms(t *testing.T) {
	manager, server := setupTestManager(t, 1000)
	conn := connectWS(t, server)
	readJSON(t, conn)
	joinRoom(t, conn, "ops", nil)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	waitFor(t, time.Second, func() bool {
		return manager.ActiveSessions() == 0 && manager.roomCount() == 0
	})
}

func TestManager_FanoutMatchesFilters(t *testing.T) {
	manager, server := setupTestManager(t, 1000)

	matching := connectWS(t, server)
	readJSON(t, matching)
	joinRoom(t, matching, "agent-1-room", map[string]any{"agent_id": "agent-1"})

	other := connectWS(t, server)
	readJSON(t, other)
	joinRoom(t, other, "agent-2-room", map[string]any{"agent_id": "agent-2"})

	payload := json.RawMessage(`{"log":{"agent_id":"agent-1","step_id":1}}`)
	manager.Fanout("log-created", []map[string]string{{"agent_id": "agent-1", "status": "success"}}, payload)

	msg := readJSON(t, matching)
	assert.Equal(t, "log-created", msg["type"])
	assert.Equal(t, "agent-1-room", msg["room"])
	assert.NotEmpty(t, msg["timestamp"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "log")

	// The non-matching room must see nothing: a ping/pong round trip after
	// the fan-out proves no event was queued ahead of it.
	writeJSON(t, other, ClientMessage{Action: "ping"})
	pong := readJSON(t, other)
	assert.Equal(t, "pong", pong["type"])
}

func TestManager_FilterArrayMatchesByMembership(t *testing.T) {
	manager, server := setupTestManager(t, 1000)
	conn := connectWS(t, server)
	readJSON(t, conn)
	joinRoom(t, conn, "anomalies", map[string]any{"status": []any{"anomaly", "failure"}})

	manager.Fanout("log-created", []map[string]string{{"agent_id": "a", "status": "anomaly"}}, json.RawMessage(`{}`))

	msg := readJSON(t, conn)
	assert.Equal(t, "log-created", msg["type"])

	// A success log misses the set; ping/pong proves nothing followed.
	manager.Fanout("log-created", []map[string]string{{"agent_id": "a", "status": "success"}}, json.RawMessage(`{}`))
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestManager_UnfilteredRoomSeesEverything(t *testing.T) {
	manager, server := setupTestManager(t, 1000)
	conn := connectWS(t, server)
	readJSON(t, conn)
	joinRoom(t, conn, "firehose", nil)

	manager.Fanout("audit-event", nil, json.RawMessage(`{"window_start":1}`))

	msg := readJSON(t, conn)
	assert.Equal(t, "audit-event", msg["type"])
	assert.Equal(t, "firehose", msg["room"])
}

func TestManager_OversizedRoomIsSkipped(t *testing.T) {
	manager, server := setupTestManager(t, 1) // rooms above one member are shed

	conn1 := connectWS(t, server)
	readJSON(t, conn1)
	joinRoom(t, conn1, "big", nil)

	conn2 := connectWS(t, server)
	readJSON(t, conn2)
	joinRoom(t, conn2, "big", nil)

	manager.Fanout("log-created", nil, json.RawMessage(`{}`))

	// Neither member receives the event; the next frame each sees is a pong.
	for _, conn := range []*websocket.Conn{conn1, conn2} {
		writeJSON(t, conn, ClientMessage{Action: "ping"})
		assert.Equal(t, "pong", readJSON(t, conn)["type"])
	}
}

func TestManager_BindBusDeliversOutcomeEvents(t *testing.T) {
	b := bus.NewMemoryBus(bus.Config{
		MaxDeliver:    3,
		RetrySchedule: []time.Duration{time.Millisecond},
		AckWait:       time.Second,
	})
	t.Cleanup(func() { _ = b.Close() })

	manager, server := setupTestManager(t, 1000)
	require.NoError(t, manager.BindBus(context.Background(), b))

	conn := connectWS(t, server)
	readJSON(t, conn)
	joinRoom(t, conn, "agent-1-room", map[string]any{"agentId": "agent-1"})

	evt := models.LogCreatedEvent{Log: &models.DecisionLog{
		AgentID: "agent-1", StepID: 7, Status: models.StatusSuccess,
	}}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), bus.SubjectLogsCreated, &bus.Message{ID: "evt-1", Data: data})
	require.NoError(t, err)

	msg := readJSON(t, conn)
	assert.Equal(t, "log-created", msg["type"])
	assert.Equal(t, "agent-1-room", msg["room"])
}

func TestManager_UnknownActionReturnsError(t *testing.T) {
	_, server := setupTestManager(t, 1000)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "shout"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "agent_id", normalizeKey("agentId"))
	assert.Equal(t, "agent_id", normalizeKey("agent_id"))
	assert.Equal(t, "user_id", normalizeKey("userId"))
	assert.Equal(t, "status", normalizeKey("status"))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-tick.C:
			if cond() {
				return
			}
		}
	}
}
