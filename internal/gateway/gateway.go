// Package gateway manages live WebSocket connections: it authenticates each
// one, binds it to a personal room and to zero or more channel rooms, and
// fans events out through the bus. Room subscriptions are ephemeral
// connection state, independent of persisted membership, and are rebuilt on
// reconnect.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"podcomm/internal/bus"
	"podcomm/internal/config"
	"podcomm/internal/membership"
	"podcomm/internal/protocol"
	"podcomm/internal/relay"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
)

// Gateway is constructed once at process start and passed by handle to
// whatever hosts it; there is no ambient singleton.
type Gateway struct {
	cfg      config.GatewayConfig
	store    store.Store
	members  *membership.Manager
	relay    *relay.Relay
	bus      bus.Bus
	logger   *logger.Logger
	validate *validator.Validate

	register   chan *Client
	unregister chan *Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]*room

	upgrader websocket.Upgrader
}

// room is the local end of one bus topic: the set of connections on this
// process subscribed to it, plus the bus unsubscribe hook.
type room struct {
	topic       string
	clients     map[*Client]bool
	unsubscribe func()
}

func New(cfg config.GatewayConfig, st store.Store, members *membership.Manager, rl *relay.Relay, b bus.Bus, log *logger.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		cfg:        cfg,
		store:      st,
		members:    members,
		relay:      rl,
		bus:        b,
		logger:     log,
		validate:   validator.New(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run starts the registration loop
func (g *Gateway) Run() {
	g.wg.Add(1)
	defer g.wg.Done()

	for {
		select {
		case client := <-g.register:
			g.handleRegister(client)

		case client := <-g.unregister:
			g.handleUnregister(client)

		case <-g.ctx.Done():
			g.logger.Info("Shutting down gateway")
			return
		}
	}
}

// Close shuts the gateway down and drops every connection
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()

	// Rooms go first: once no room references a client, closing its send
	// channel cannot race a fan-out.
	g.mu.Lock()
	for _, rm := range g.rooms {
		rm.unsubscribe()
	}
	g.rooms = make(map[string]*room)
	for client := range g.clients {
		close(client.send)
		client.conn.Close()
	}
	g.clients = make(map[*Client]bool)
	g.mu.Unlock()
}

// UpgradeConnection performs the WebSocket handshake
func (g *Gateway) UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return g.upgrader.Upgrade(w, r, nil)
}

// RegisterClient hands a freshly authenticated connection to the run loop
func (g *Gateway) RegisterClient(client *Client) {
	select {
	case g.register <- client:
	case <-g.ctx.Done():
	}
}

// UnregisterClient drops a connection and all of its room subscriptions
func (g *Gateway) UnregisterClient(client *Client) {
	select {
	case g.unregister <- client:
	case <-g.ctx.Done():
	}
}

func (g *Gateway) handleRegister(client *Client) {
	g.mu.Lock()
	g.clients[client] = true
	total := len(g.clients)
	g.mu.Unlock()

	// Every authenticated connection listens on its user's personal room
	// for direct, non-channel notifications.
	if err := g.joinRoom(client, protocol.UserTopic(client.user.ID)); err != nil {
		g.logger.Error("Failed to join personal room", "client_id", client.ID, "error", err)
	}

	g.logger.Info("Client connected",
		"client_id", client.ID,
		"user_id", client.user.ID,
		"total_clients", total)

	client.Send(protocol.MustEncode(protocol.EventConnected, protocol.ConnectedPayload{
		ClientID: client.ID,
		UserID:   client.user.ID,
	}))
}

func (g *Gateway) handleUnregister(client *Client) {
	g.mu.Lock()
	_, exists := g.clients[client]
	if exists {
		delete(g.clients, client)
		// Room removal and channel close share one critical section so
		// a concurrent fan-out never finds a closed send channel behind
		// a live room entry. Dropping the connection drops its room
		// subscriptions and nothing else: persisted membership is
		// untouched.
		for _, topic := range client.topics() {
			g.dropFromRoom(client, topic)
		}
		close(client.send)
	}
	total := len(g.clients)
	g.mu.Unlock()

	if !exists {
		return
	}

	g.logger.Info("Client disconnected",
		"client_id", client.ID,
		"user_id", client.user.ID,
		"total_clients", total)
}

// joinRoom subscribes a connection to a topic, wiring the topic into the bus
// on first local subscriber.
func (g *Gateway) joinRoom(client *Client, topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rm, ok := g.rooms[topic]
	if !ok {
		unsubscribe, err := g.bus.Subscribe(topic, func(payload []byte) {
			g.fanout(topic, payload)
		})
		if err != nil {
			return err
		}
		rm = &room{
			topic:       topic,
			clients:     make(map[*Client]bool),
			unsubscribe: unsubscribe,
		}
		g.rooms[topic] = rm
	}
	rm.clients[client] = true
	client.addTopic(topic)
	return nil
}

// leaveRoom drops a connection from a topic, releasing the bus subscription
// with the last local subscriber.
func (g *Gateway) leaveRoom(client *Client, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropFromRoom(client, topic)
}

// dropFromRoom is leaveRoom's body; the caller holds g.mu.
func (g *Gateway) dropFromRoom(client *Client, topic string) {
	client.removeTopic(topic)
	rm, ok := g.rooms[topic]
	if !ok {
		return
	}
	delete(rm.clients, client)
	if len(rm.clients) == 0 {
		rm.unsubscribe()
		delete(g.rooms, topic)
	}
}

// fanout delivers one bus frame to every local connection in the room,
// skipping the originating connection when the frame names one. A client
// whose send buffer is full is dropped rather than allowed to stall the
// room.
func (g *Gateway) fanout(topic string, payload []byte) {
	frame, err := protocol.DecodeFrame(payload)
	if err != nil {
		g.logger.Error("Dropping malformed bus frame", "topic", topic, "error", err)
		return
	}

	for _, client := range g.deliver(topic, frame) {
		g.logger.Warn("Dropping slow client", "client_id", client.ID, "topic", topic)
		client.conn.Close()
	}
}

// deliver queues the frame for every subscriber and returns the clients
// whose buffers were full.
func (g *Gateway) deliver(topic string, frame protocol.Frame) []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rm, ok := g.rooms[topic]
	if !ok {
		return nil
	}
	var stalled []*Client
	for client := range rm.clients {
		if frame.Origin != "" && frame.Origin == client.ID {
			continue
		}
		select {
		case client.send <- frame.Data:
		default:
			stalled = append(stalled, client)
		}
	}
	return stalled
}

// Stats is a point-in-time snapshot for the monitoring endpoint
type Stats struct {
	TotalClients int `json:"total_clients"`
	TotalRooms   int `json:"total_rooms"`
}

func (g *Gateway) GetStats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		TotalClients: len(g.clients),
		TotalRooms:   len(g.rooms),
	}
}

// storeContext bounds a store call made on behalf of a live connection
func (g *Gateway) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(g.ctx, g.cfg.StoreTimeout)
}

// errorCode maps store error kinds onto stable client-visible codes
func errorCode(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return "validation_error", false
	case errors.Is(err, store.ErrNotFound):
		return "not_found", false
	case errors.Is(err, store.ErrAlreadyMember):
		return "already_member", false
	case errors.Is(err, store.ErrCapacityExceeded):
		return "capacity_exceeded", true
	case errors.Is(err, store.ErrForbidden):
		return "forbidden", false
	case errors.Is(err, store.ErrInviteRequired):
		return "invite_required", false
	case errors.Is(err, store.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "store_timeout", true
	case errors.Is(err, store.ErrConflict):
		return "store_conflict", true
	default:
		return "internal_error", false
	}
}
