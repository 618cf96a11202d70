package websocket

import (
	"context"
	"sync"

	"live-bidding/internal/domain"
	"live-bidding/pkg/logger"
)

// ConnectionManager tracks the sockets open on this process and attaches
// each one to the fanout bus as a local observer of its auction.
type ConnectionManager struct {
	registry domain.ObserverRegistry

	mutex       sync.RWMutex
	connections map[string]map[string]*Connection // auctionID -> connectionID -> connection
	userConns   map[string]map[string]*Connection // userID -> connectionID -> connection
	log         logger.Logger
}

func NewConnectionManager(registry domain.ObserverRegistry, log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		registry:    registry,
		connections: make(map[string]map[string]*Connection),
		userConns:   make(map[string]map[string]*Connection),
		log:         log,
	}
}

func (cm *ConnectionManager) Register(ctx context.Context, conn *Connection) error {
	if err := cm.registry.AddLocalObserver(ctx, conn, conn.AuctionID()); err != nil {
		return err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	add(cm.connections, conn.AuctionID(), conn)
	add(cm.userConns, conn.UserID(), conn)

	cm.log.Info("Connection registered", "connection_id", conn.ID(), "user_id", conn.UserID(), "auction_id", conn.AuctionID())
	return nil
}

func (cm *ConnectionManager) Unregister(ctx context.Context, conn *Connection) {
	if err := cm.registry.RemoveLocalObserver(ctx, conn, conn.AuctionID()); err != nil {
		cm.log.Error("Failed to detach observer", "connection_id", conn.ID(), "error", err)
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	remove(cm.connections, conn.AuctionID(), conn.ID())
	remove(cm.userConns, conn.UserID(), conn.ID())

	cm.log.Info("Connection unregistered", "connection_id", conn.ID(), "user_id", conn.UserID(), "auction_id", conn.AuctionID())
}

// NotifyUser sends a direct message to every socket the user has open here.
func (cm *ConnectionManager) NotifyUser(ctx context.Context, userID string, message interface{}) {
	cm.mutex.RLock()
	conns := make([]*Connection, 0, len(cm.userConns[userID]))
	for _, c := range cm.userConns[userID] {
		conns = append(conns, c)
	}
	cm.mutex.RUnlock()

	for _, c := range conns {
		if err := c.SendJSON(ctx, message); err != nil {
			cm.log.Warn("Failed to notify user", "user_id", userID, "connection_id", c.ID(), "error", err)
		}
	}
}

func (cm *ConnectionManager) Count(auctionID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections[auctionID])
}

// CloseAll closes every socket; their read loops then unregister them.
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.RLock()
	var conns []*Connection
	for _, set := range cm.connections {
		for _, c := range set {
			conns = append(conns, c)
		}
	}
	cm.mutex.RUnlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			cm.log.Debug("Close failed", "connection_id", c.ID(), "error", err)
		}
	}
	cm.log.Info("Closed websocket connections", "count", len(conns))
}

func add(index map[string]map[string]*Connection, key string, c *Connection) {
	set := index[key]
	if set == nil {
		set = make(map[string]*Connection)
		index[key] = set
	}
	set[c.ID()] = c
}

func remove(index map[string]map[string]*Connection, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}
