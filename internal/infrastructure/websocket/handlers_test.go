package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/infrastructure/memory"
	redisinfra "live-bidding/internal/infrastructure/redis"
	"live-bidding/internal/services"
	"live-bidding/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type socketFixture struct {
	client  *redis.Client
	store   *memory.Store
	bus     *redisinfra.FanoutBus
	conns   *ConnectionManager
	server  *httptest.Server
	baseURL string
}

func newSocketFixture(t *testing.T) *socketFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logger.NewNop()
	store := memory.NewStore()

	queue := redisinfra.NewBidQueue(client, 10*time.Minute, nil)
	cache := redisinfra.NewRedisAuctionCache(client, store,
		redisinfra.CacheTTLs{Auction: time.Minute, Bid: 5 * time.Minute, RecentBids: time.Minute}, nil, log)
	bus := redisinfra.NewFanoutBus(client, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()

	conns := NewConnectionManager(bus, log)
	handler := NewWebSocketHandler(services.NewBidService(queue, cache, log), cache, conns, []string{"*"}, log)
	r := mux.NewRouter()
	r.HandleFunc("/ws/auction/{auctionID}", handler.HandleConnection)
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		conns.CloseAll()
		server.Close()
		cancel()
		<-done
		_ = bus.Close()
		_ = client.Close()
	})

	return &socketFixture{
		client:  client,
		store:   store,
		bus:     bus,
		conns:   conns,
		server:  server,
		baseURL: "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *socketFixture) seed(t *testing.T, id string, status domain.AuctionStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.store.CreateAuction(context.Background(), &domain.Auction{
		ID: id, Title: "Lot " + id, StartingPrice: 100, CurrentPrice: 100, MinIncrement: 10,
		Status: status, StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *socketFixture) dial(t *testing.T, auctionID, userID string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(f.baseURL+"/ws/auction/"+auctionID+"?user_id="+userID, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestSocketSessionLifecycle(t *testing.T) {
	f := newSocketFixture(t)
	f.seed(t, "a1", domain.AuctionActive)

	ws := f.dial(t, "a1", "u1")

	hello := readJSON(t, ws)
	assert.Equal(t, string(domain.EventConnected), hello["type"])
	assert.Equal(t, "a1", hello["auction_id"])
	assert.Equal(t, 1, f.conns.Count("a1"))

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "place_bid", "amount": 105}))
	rejected := readJSON(t, ws)
	assert.Equal(t, "bid_rejected", rejected["type"])
	assert.Equal(t, string(domain.CodeBidTooLow), rejected["code"])

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "place_bid", "amount": "110"}))
	queued := readJSON(t, ws)
	assert.Equal(t, "bid_queued", queued["type"])
	requestID, _ := queued["request_id"].(string)
	require.NotEmpty(t, requestID)

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "bid_status", "request_id": requestID}))
	status := readJSON(t, ws)
	assert.Equal(t, "bid_status", status["type"])
	assert.Equal(t, string(domain.RequestQueued), status["status"])

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": "shout"}))
	assert.Equal(t, "error", readJSON(t, ws)["type"])
}

func TestSocketReceivesPublishedEvents(t *testing.T) {
	f := newSocketFixture(t)
	f.seed(t, "a1", domain.AuctionActive)

	ws := f.dial(t, "a1", "u1")
	readJSON(t, ws)

	require.Eventually(t, func() bool {
		counts, err := f.client.PubSubNumSub(context.Background(), redisinfra.ChannelName("a1")).Result()
		return err == nil && counts[redisinfra.ChannelName("a1")] == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := domain.UpdateAccepted{
		AuctionID: "a1",
		Bid:       &domain.Bid{ID: "b1", AuctionID: "a1", UserID: "u2", Amount: 120},
		Auction:   &domain.Auction{ID: "a1", CurrentPrice: 120, Status: domain.AuctionActive},
	}
	require.NoError(t, f.bus.Publish(context.Background(), "a1", event))

	msg := readJSON(t, ws)
	assert.Equal(t, string(domain.EventUpdateAccepted), msg["type"])
	bid, ok := msg["bid"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 120.0, bid["amount"])
}

func TestSocketClosingDetachesObserver(t *testing.T) {
	f := newSocketFixture(t)
	f.seed(t, "a1", domain.AuctionActive)

	ws := f.dial(t, "a1", "u1")
	readJSON(t, ws)
	require.Equal(t, 1, f.bus.ObserverCount("a1"))

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool {
		return f.conns.Count("a1") == 0 && f.bus.ObserverCount("a1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocketRejectsBadRequests(t *testing.T) {
	f := newSocketFixture(t)
	f.seed(t, "ended", domain.AuctionEnded)

	cases := []struct {
		path string
		want int
	}{
		{"/ws/auction/a1", http.StatusBadRequest},
		{"/ws/auction/missing?user_id=u1", http.StatusNotFound},
		{"/ws/auction/ended?user_id=u1", http.StatusForbidden},
	}
	for _, tc := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(f.baseURL+tc.path, nil)
		require.Error(t, err, tc.path)
		require.NotNil(t, resp, tc.path)
		assert.Equal(t, tc.want, resp.StatusCode, tc.path)
		_ = resp.Body.Close()
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://bid.example"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://BID.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}

func TestStalledClientDoesNotDelayOthers(t *testing.T) {
	f := newSocketFixture(t)
	f.seed(t, "a1", domain.AuctionActive)
	f.seed(t, "a2", domain.AuctionActive)
	ctx := context.Background()

	fast := f.dial(t, "a1", "u1")
	readJSON(t, fast)

	// A connection whose writer never runs stands in for a client that
	// stopped reading. It borrows a socket that is watching another auction.
	peer := f.dial(t, "a2", "u2")
	readJSON(t, peer)
	stalled := newConnection(peer, "u2", "a1", 2, logger.NewNop())
	require.NoError(t, f.conns.Register(ctx, stalled))
	require.Equal(t, 2, f.bus.ObserverCount("a1"))

	require.Eventually(t, func() bool {
		counts, err := f.client.PubSubNumSub(ctx, redisinfra.ChannelName("a1")).Result()
		return err == nil && counts[redisinfra.ChannelName("a1")] == 1
	}, 2*time.Second, 10*time.Millisecond)

	const events = 5
	for i := 0; i < events; i++ {
		amount := float64(110 + 10*i)
		require.NoError(t, f.bus.Publish(ctx, "a1", domain.UpdateAccepted{
			AuctionID: "a1",
			Bid:       &domain.Bid{ID: fmt.Sprintf("b%d", i), AuctionID: "a1", UserID: "u3", Amount: amount},
			Auction:   &domain.Auction{ID: "a1", CurrentPrice: amount, Status: domain.AuctionActive},
		}))
	}

	for i := 0; i < events; i++ {
		msg := readJSON(t, fast)
		require.Equal(t, string(domain.EventUpdateAccepted), msg["type"])
		bid, ok := msg["bid"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(110+10*i), bid["amount"], "events arrive in order")
	}

	require.Eventually(t, func() bool {
		return f.bus.ObserverCount("a1") == 1
	}, 2*time.Second, 10*time.Millisecond, "the stalled connection is dropped")
	assert.ErrorIs(t, stalled.Send(ctx, []byte(`{}`)), ErrConnectionClosed)
}

func TestSendFailsFastWhenOutboxIsFull(t *testing.T) {
	f := newSocketFixture(t)
	f.seed(t, "a1", domain.AuctionActive)

	ws := f.dial(t, "a1", "u1")
	c := newConnection(ws, "u1", "a1", 1, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, []byte(`{"n":1}`)))

	start := time.Now()
	assert.ErrorIs(t, c.Send(ctx, []byte(`{"n":2}`)), ErrSlowConsumer)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-c.closed:
	default:
		t.Fatal("connection should be closed after overflowing")
	}
	assert.ErrorIs(t, c.Send(ctx, []byte(`{"n":3}`)), ErrConnectionClosed)
}
