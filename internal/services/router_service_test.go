package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/benmeehan/fleet-monitor/internal/mocks"
	"github.com/benmeehan/fleet-monitor/internal/models"
	"github.com/benmeehan/fleet-monitor/pkg/events"
	"github.com/benmeehan/fleet-monitor/pkg/mqtt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type routedMessage struct {
	device  models.Device
	payload string
}

type routeRecorder struct {
	mu   sync.Mutex
	msgs map[TopicKind][]routedMessage
}

func newRouteRecorder(r *TopicRouter) *routeRecorder {
	rec := &routeRecorder{msgs: make(map[TopicKind][]routedMessage)}
	for _, kind := range inboundKinds {
		kind := kind
		r.Handle(kind, func(device models.Device, payload json.RawMessage) {
			rec.mu.Lock()
			rec.msgs[kind] = append(rec.msgs[kind], routedMessage{device: device, payload: string(payload)})
			rec.mu.Unlock()
		})
	}
	return rec
}

func (rec *routeRecorder) get(kind TopicKind) []routedMessage {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.msgs[kind]
}

func newTestRouter(t *testing.T) (*TopicRouter, *fakeConn, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	conn := newFakeConn(bus)
	router := NewTopicRouter(conn, bus, testBrokerConfig(), zerolog.Nop())
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return router, conn, bus
}

var (
	printerA = models.Device{ID: 1, ClientID: "printer-a", DisplayName: "Front desk"}
	printerB = models.Device{ID: 2, ClientID: "printer-b", DisplayName: "Warehouse"}
)

func TestTopicTemplates_ResolveAndMatch(t *testing.T) {
	templates := NewTopicTemplates(testBrokerConfig())

	assert.Equal(t, "printer/abc/heartbeat", templates.Resolve(TopicHeartbeat, "abc"))
	assert.Equal(t, []string{"printer/abc/heartbeat", "printer/abc/task_status", "printer/abc/command"}, templates.ResolveAll("abc"))
	assert.Equal(t, "soticlone/abc/user/server/print", templates.PrintTopic("abc"))

	clientID, kind, ok := templates.Match("printer/abc/task_status")
	require.True(t, ok)
	assert.Equal(t, "abc", clientID)
	assert.Equal(t, TopicTaskStatus, kind)

	for _, topic := range []string{"printer//heartbeat", "printer/a/b/heartbeat", "printer/abc/status", "other/abc/heartbeat"} {
		_, _, ok := templates.Match(topic)
		assert.False(t, ok, topic)
	}
}

func TestTopicRouter_SubscribesOnConnect(t *testing.T) {
	router, conn, _ := newTestRouter(t)
	router.SyncDevices([]models.Device{printerA, printerB})
	assert.Zero(t, router.SubscriptionCount())

	require.NoError(t, conn.Connect(context.Background(), mqtt.ConnectionConfig{}))

	topics := conn.subscribedTopics()
	sort.Strings(topics)
	assert.Equal(t, []string{
		"printer/printer-a/command", "printer/printer-a/heartbeat", "printer/printer-a/task_status",
		"printer/printer-b/command", "printer/printer-b/heartbeat", "printer/printer-b/task_status",
	}, topics)
	assert.Equal(t, 6, router.SubscriptionCount())

	id, ok := router.SubscribedDevice("printer/printer-b/heartbeat")
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
}

func TestTopicRouter_DisconnectClearsMappings(t *testing.T) {
	router, conn, _ := newTestRouter(t)
	router.SyncDevices([]models.Device{printerA})
	require.NoError(t, conn.Connect(context.Background(), mqtt.ConnectionConfig{}))
	require.Equal(t, 3, router.SubscriptionCount())

	conn.Disconnect()

	assert.Zero(t, router.SubscriptionCount())
	assert.Len(t, router.Devices(), 1)

	// Every new session re-subscribes from the cache.
	require.NoError(t, conn.Connect(context.Background(), mqtt.ConnectionConfig{}))
	assert.Equal(t, 3, router.SubscriptionCount())
	assert.Len(t, conn.subscribedTopics(), 3)
}

func TestTopicRouter_RoutesByTopicKind(t *testing.T) {
	router, conn, _ := newTestRouter(t)
	rec := newRouteRecorder(router)
	router.SyncDevices([]models.Device{printerA, printerB})
	require.NoError(t, conn.Connect(context.Background(), mqtt.ConnectionConfig{}))

	require.True(t, conn.deliver("printer/printer-a/heartbeat", `{"status":0}`))
	require.True(t, conn.deliver("printer/printer-b/task_status", `{"taskId":"t1","status":"printing"}`))
	require.True(t, conn.deliver("printer/printer-b/command", `{"ok":true}`))

	heartbeats := rec.get(TopicHeartbeat)
	require.Len(t, heartbeats, 1)
	assert.Equal(t, printerA.ID, heartbeats[0].device.ID)
	assert.JSONEq(t, `{"status":0}`, heartbeats[0].payload)

	require.Len(t, rec.get(TopicTaskStatus), 1)
	assert.Equal(t, printerB.ID, rec.get(TopicTaskStatus)[0].device.ID)
	require.Len(t, rec.get(TopicCommand), 1)
}

func TestTopicRouter_DropsBadMessages(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := newRouteRecorder(router)
	router.SyncDevices([]models.Device{printerA})

	router.Route("printer/printer-a/heartbeat", []byte(`{"status":`))
	router.Route("printer/printer-a/unknown", []byte(`{}`))
	router.Route("printer/printer-z/heartbeat", []byte(`{"status":0}`))

	for _, kind := range inboundKinds {
		assert.Empty(t, rec.get(kind), kind.String())
	}
}

func TestTopicRouter_UnsubscribeOneRemovesMappings(t *testing.T) {
	router, conn, _ := newTestRouter(t)
	rec := newRouteRecorder(router)
	router.SyncDevices([]models.Device{printerA, printerB})
	require.NoError(t, conn.Connect(context.Background(), mqtt.ConnectionConfig{}))

	require.NoError(t, router.UnsubscribeOne(printerA))

	assert.Equal(t, 3, router.SubscriptionCount())
	_, ok := router.Device("printer-a")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"printer/printer-a/heartbeat", "printer/printer-a/task_status", "printer/printer-a/command"}, conn.unsubscribed)

	// A late message for the removed printer is dropped.
	router.Route("printer/printer-a/heartbeat", []byte(`{"status":0}`))
	assert.Empty(t, rec.get(TopicHeartbeat))
}

func TestTopicRouter_UnsubscribeFailureStillForgets(t *testing.T) {
	broker := &mocks.MockBroker{}
	broker.On("IsConnected").Return(true)
	broker.On("Subscribe", mock.Anything, byte(1), mock.Anything).Return(nil)
	broker.On("Unsubscribe", mock.Anything).Return(mqtt.ErrTimeout)

	router := NewTopicRouter(broker, events.NewBus(zerolog.Nop()), testBrokerConfig(), zerolog.Nop())
	require.NoError(t, router.SubscribeOne(printerA))
	require.Equal(t, 3, router.SubscriptionCount())

	err := router.UnsubscribeOne(printerA)

	assert.ErrorIs(t, err, mqtt.ErrTimeout)
	assert.Zero(t, router.SubscriptionCount())
	assert.Empty(t, router.Devices())
	broker.AssertNumberOfCalls(t, "Subscribe", 3)
}

func TestTopicRouter_PartialSubscribeFailure(t *testing.T) {
	broker := &mocks.MockBroker{}
	broker.On("IsConnected").Return(true)
	broker.On("Subscribe", "printer/printer-a/task_status", byte(1), mock.Anything).Return(mqtt.ErrSubscribeFailed)
	broker.On("Subscribe", mock.Anything, byte(1), mock.Anything).Return(nil)

	router := NewTopicRouter(broker, events.NewBus(zerolog.Nop()), testBrokerConfig(), zerolog.Nop())
	err := router.SubscribeOne(printerA)

	assert.ErrorIs(t, err, mqtt.ErrSubscribeFailed)
	assert.Equal(t, 2, router.SubscriptionCount())
	_, ok := router.SubscribedDevice("printer/printer-a/task_status")
	assert.False(t, ok)
}

func TestTopicRouter_SyncDevicesReportsRemoved(t *testing.T) {
	router, conn, _ := newTestRouter(t)
	require.NoError(t, conn.Connect(context.Background(), mqtt.ConnectionConfig{}))
	router.SyncDevices([]models.Device{printerA, printerB})
	require.Equal(t, 6, router.SubscriptionCount())

	removed := router.SyncDevices([]models.Device{printerB})

	require.Len(t, removed, 1)
	assert.Equal(t, printerA.ID, removed[0].ID)
	assert.Equal(t, 3, router.SubscriptionCount())
	assert.Len(t, router.Devices(), 1)
}

func TestTopicRouter_SetTemplates(t *testing.T) {
	router, conn, _ := newTestRouter(t)
	router.SyncDevices([]models.Device{printerA})
	require.NoError(t, conn.Connect(context.Background(), mqtt.ConnectionConfig{}))

	cfg := testBrokerConfig()
	cfg.HeartbeatTopic = "fleet/{client_id}/hb"
	router.SetTemplates(cfg)
	assert.Zero(t, router.SubscriptionCount())

	require.NoError(t, conn.UpdateConfig(context.Background(), mqtt.ConnectionConfig{}))
	assert.Contains(t, conn.subscribedTopics(), "fleet/printer-a/hb")
}

func TestTopicRouter_StopTwice(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	router := NewTopicRouter(newFakeConn(bus), bus, testBrokerConfig(), zerolog.Nop())

	require.NoError(t, router.Start())
	assert.Error(t, router.Start())
	require.NoError(t, router.Stop())
	assert.Error(t, router.Stop())
	assert.NoError(t, router.Start())
	assert.ErrorIs(t, router.Start(), events.ErrDuplicateListener)
}
