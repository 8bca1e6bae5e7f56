package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"corkboard/api/internal/util"
)

const (
	channelPrefix = "corkboard:board:"
	connBuffer    = 32
	publishWait   = 5 * time.Second
)

// Conn is one subscriber's view of a board room. Events arrive on C; the
// channel closes when the connection leaves the room or the hub shuts down.
type Conn struct {
	ID      string
	BoardID string
	C       chan Event
}

// Hub tracks per-board rooms of live connections and broadcasts events to
// them. When a Redis client is supplied, every broadcast is also published
// for the other API instances; see RunBridge for the receiving side.
type Hub struct {
	instanceID string
	rdb        *redis.Client
	log        *logrus.Logger

	mu     sync.Mutex
	rooms  map[string]map[string]*Conn
	closed bool
}

// NewHub creates a hub. rdb may be nil for single-instance deployments and
// tests; the hub then only delivers locally.
func NewHub(rdb *redis.Client, log *logrus.Logger) *Hub {
	return &Hub{
		instanceID: util.NewID("inst"),
		rdb:        rdb,
		log:        log,
		rooms:      map[string]map[string]*Conn{},
	}
}

// Join registers a new connection in a board room and returns it. The
// caller has already checked board access.
func (h *Hub) Join(boardID string) *Conn {
	conn := &Conn{
		ID:      util.NewID("conn"),
		BoardID: boardID,
		C:       make(chan Event, connBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(conn.C)
		return conn
	}
	room, ok := h.rooms[boardID]
	if !ok {
		room = map[string]*Conn{}
		h.rooms[boardID] = room
	}
	room[conn.ID] = conn
	return conn
}

func (h *Hub) Leave(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conn.BoardID]
	if !ok {
		return
	}
	if _, ok := room[conn.ID]; !ok {
		return
	}
	delete(room, conn.ID)
	if len(room) == 0 {
		delete(h.rooms, conn.BoardID)
	}
	close(conn.C)
}

// Broadcast delivers an event to every connection in the board's room
// except excludeConnID (the originator's own connection), and publishes it
// to Redis for the other instances. A full subscriber buffer drops the
// event rather than blocking the hot path.
func (h *Hub) Broadcast(ev Event, excludeConnID string) {
	h.deliverLocal(ev, excludeConnID)

	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(envelope{
		Origin:  h.instanceID,
		Exclude: excludeConnID,
		Event:   ev,
	})
	if err != nil {
		h.log.WithError(err).Error("marshal realtime envelope")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishWait)
		defer cancel()
		if err := h.rdb.Publish(ctx, channelPrefix+ev.BoardID, payload).Err(); err != nil {
			h.log.WithError(err).WithField("board_id", ev.BoardID).Warn("publish realtime event")
		}
	}()
}

func (h *Hub) deliverLocal(ev Event, excludeConnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.rooms[ev.BoardID] {
		if id == excludeConnID {
			continue
		}
		select {
		case conn.C <- ev:
		default:
			h.log.WithFields(logrus.Fields{
				"conn_id":  id,
				"board_id": ev.BoardID,
			}).Warn("subscriber buffer full, dropping event")
		}
	}
}

// Close shuts the hub down and closes every live connection channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, room := range h.rooms {
		for _, conn := range room {
			close(conn.C)
		}
	}
	h.rooms = map[string]map[string]*Conn{}
}
