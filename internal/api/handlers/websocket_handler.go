package handlers

import (
	"net/http"

	"live-bidding/internal/infrastructure/websocket"

	"github.com/gorilla/mux"
)

type WebSocketHandlers struct {
	wsHandler *websocket.WebSocketHandler
}

func NewWebSocketHandlers(wsHandler *websocket.WebSocketHandler) *WebSocketHandlers {
	return &WebSocketHandlers{wsHandler: wsHandler}
}

// Register mounts the socket endpoint on r.
func (h *WebSocketHandlers) Register(r *mux.Router) {
	r.HandleFunc("/ws/auction/{auctionID}", h.HandleConnection).Methods(http.MethodGet)
}

func (h *WebSocketHandlers) HandleConnection(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
