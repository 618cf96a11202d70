package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/services"
	"live-bidding/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const requestTimeout = 5 * time.Second

type AuctionReader interface {
	GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error)
}

// Client-to-server message types.
const (
	msgPlaceBid  = "place_bid"
	msgBidStatus = "bid_status"
	msgPing      = "ping"
)

type clientMessage struct {
	Type      string    `json:"type"`
	Amount    bidAmount `json:"amount"`
	RequestID string    `json:"request_id"`
}

// bidAmount accepts either a JSON number or a numeric string.
type bidAmount float64

func (a *bidAmount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", s)
	}
	*a = bidAmount(f)
	return nil
}

type bidQueuedMessage struct {
	Type string `json:"type"`
	*domain.BidReceipt
}

type bidRejectedMessage struct {
	Type   string                `json:"type"`
	Code   domain.ValidationCode `json:"code"`
	Reason string                `json:"reason"`
	Amount float64               `json:"amount"`
}

type bidStatusMessage struct {
	Type string `json:"type"`
	domain.StatusResponse
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type WebSocketHandler struct {
	bidService  *services.BidService
	auctions    AuctionReader
	connManager *ConnectionManager
	upgrader    websocket.Upgrader
	log         logger.Logger
}

// NewWebSocketHandler builds the socket endpoint. An empty allowedOrigins, or
// one containing "*", accepts any origin.
func NewWebSocketHandler(bidService *services.BidService, auctions AuctionReader,
	connManager *ConnectionManager, allowedOrigins []string, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		bidService:  bidService,
		auctions:    auctions,
		connManager: connManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	auction, err := h.auctions.GetAuction(r.Context(), auctionID)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Failed to load auction", "auction_id", auctionID, "error", err)
		http.Error(w, "failed to load auction", http.StatusInternalServerError)
		return
	}
	if auction.Status != domain.AuctionActive || auction.Expired(time.Now()) {
		h.log.Info("Rejected connection to closed auction", "auction_id", auctionID, "status", auction.Status)
		http.Error(w, "auction has already ended", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	conn := NewConnection(ws, userID, auctionID, h.log)

	// The greeting is queued before the bus can deliver anything, and the
	// writer starts only once the connection is registered.
	hello := domain.Connected{AuctionID: auctionID, UserID: userID, Auction: auction, ConnectedAt: time.Now()}
	if err := h.sendEvent(conn, hello); err != nil {
		h.log.Warn("Failed to greet connection", "connection_id", conn.ID(), "error", err)
		_ = conn.Close()
		return
	}

	ctx := context.Background()
	if err := h.connManager.Register(ctx, conn); err != nil {
		h.log.Error("Failed to register connection", "error", err)
		_ = conn.Close()
		return
	}
	defer func() {
		h.connManager.Unregister(ctx, conn)
		_ = conn.Close()
	}()

	go conn.writeLoop()
	h.readLoop(conn)
}

func (h *WebSocketHandler) readLoop(conn *Connection) {
	conn.prepareRead()
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Connection closed unexpectedly", "connection_id", conn.ID(), "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(conn, errorMessage{Type: "error", Message: err.Error()})
			continue
		}

		switch msg.Type {
		case msgPlaceBid:
			h.handleBid(conn, float64(msg.Amount))
		case msgBidStatus:
			h.handleStatus(conn, msg.RequestID)
		case msgPing:
			h.reply(conn, map[string]string{"type": "pong"})
		default:
			h.reply(conn, errorMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

func (h *WebSocketHandler) handleBid(conn *Connection, amount float64) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	receipt, err := h.bidService.PlaceBid(ctx, conn.AuctionID(), conn.UserID(), amount)
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		h.reply(conn, bidRejectedMessage{Type: "bid_rejected", Code: ve.Code, Reason: ve.Reason, Amount: amount})
	case err != nil:
		h.log.Error("Failed to place bid", "auction_id", conn.AuctionID(), "user_id", conn.UserID(), "error", err)
		h.reply(conn, errorMessage{Type: "error", Message: "failed to place bid"})
	default:
		h.reply(conn, bidQueuedMessage{Type: "bid_queued", BidReceipt: receipt})
	}
}

func (h *WebSocketHandler) handleStatus(conn *Connection, requestID string) {
	if requestID == "" {
		h.reply(conn, errorMessage{Type: "error", Message: "request_id required"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	status, err := h.bidService.GetStatus(ctx, requestID)
	if err != nil {
		h.log.Error("Failed to read bid status", "request_id", requestID, "error", err)
		h.reply(conn, errorMessage{Type: "error", Message: "failed to read bid status"})
		return
	}
	h.reply(conn, bidStatusMessage{Type: "bid_status", StatusResponse: status})
}

func (h *WebSocketHandler) sendEvent(conn *Connection, event domain.Event) error {
	payload, err := domain.EncodeEvent(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return conn.Send(ctx, payload)
}

func (h *WebSocketHandler) reply(conn *Connection, v interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := conn.SendJSON(ctx, v); err != nil {
		h.log.Warn("Failed to reply", "connection_id", conn.ID(), "error", err)
	}
}
