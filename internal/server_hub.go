package internal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubSendTimeout = time.Second

	// closeSessionReplaced is sent to connections evicted by a session switch.
	closeSessionReplaced = 4001
)

var (
	errHubClosed = errors.New("hub closed")
	errHubBusy   = errors.New("hub broadcast queue full")
)

// outbound is one queued frame. A nil to means every connection. With
// closeFrame set the targets are closed with it instead of receiving payload.
type outbound struct {
	payload    []byte
	to         []string
	exclude    string
	closeFrame []byte
}

// Hub holds every live websocket connection and the per-user groups, and
// implements presence.Broadcaster on top of them.
type Hub struct {
	mutex   sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub builds an empty hub and starts its fan-out loop.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*Client),
		groups:     make(map[string]map[string]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (hub *Hub) run() {
	for {
		select {
		case client := <-hub.register:
			hub.mutex.Lock()
			hub.clients[client.id] = client
			hub.mutex.Unlock()
		case client := <-hub.unregister:
			hub.mutex.Lock()
			if current, exists := hub.clients[client.id]; exists && current == client {
				delete(hub.clients, client.id)
				close(client.send)
			}
			hub.mutex.Unlock()
		case msg := <-hub.broadcast:
			hub.deliver(msg)
		case <-hub.done:
			hub.mutex.Lock()
			for id, client := range hub.clients {
				close(client.send)
				delete(hub.clients, id)
			}
			hub.mutex.Unlock()
			return
		}
	}
}

// deliver fans msg out. A client whose send buffer is full is dropped; its
// writePump closes the socket and the normal disconnect path runs.
func (hub *Hub) deliver(msg outbound) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	var targets []*Client
	if msg.to != nil {
		for _, id := range msg.to {
			if client, ok := hub.clients[id]; ok {
				targets = append(targets, client)
			}
		}
	} else {
		targets = make([]*Client, 0, len(hub.clients))
		for _, client := range hub.clients {
			targets = append(targets, client)
		}
	}
	for _, client := range targets {
		if client.id == msg.exclude {
			continue
		}
		if msg.closeFrame != nil {
			client.closeFrame = msg.closeFrame
			close(client.send)
			delete(hub.clients, client.id)
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			close(client.send)
			delete(hub.clients, client.id)
		}
	}
}

func (hub *Hub) registerClient(client *Client) error {
	select {
	case hub.register <- client:
		return nil
	case <-hub.done:
		return errHubClosed
	}
}

func (hub *Hub) unregisterClient(client *Client) {
	select {
	case hub.unregister <- client:
	case <-hub.done:
	}
}

func (hub *Hub) enqueue(msg outbound) error {
	select {
	case <-hub.done:
		return errHubClosed
	default:
	}
	timer := time.NewTimer(hubSendTimeout)
	defer timer.Stop()
	select {
	case hub.broadcast <- msg:
		return nil
	case <-hub.done:
		return errHubClosed
	case <-timer.C:
		return errHubBusy
	}
}

func (hub *Hub) BroadcastToAll(event string, payload any) error {
	encoded, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return hub.enqueue(outbound{payload: encoded})
}

func (hub *Hub) BroadcastToOthers(excludeConnectionID, event string, payload any) error {
	encoded, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return hub.enqueue(outbound{payload: encoded, exclude: excludeConnectionID})
}

// SendToGroup delivers to the group's members as of the call, so callers may
// remove members right after without losing the frame.
func (hub *Hub) SendToGroup(group, event string, payload any) error {
	hub.mutex.RLock()
	members := make([]string, 0, len(hub.groups[group]))
	for id := range hub.groups[group] {
		members = append(members, id)
	}
	hub.mutex.RUnlock()
	if len(members) == 0 {
		return nil
	}
	encoded, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return hub.enqueue(outbound{payload: encoded, to: members})
}

// SendTo delivers a frame to a single connection.
func (hub *Hub) SendTo(connectionID, event string, payload any) error {
	encoded, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return hub.enqueue(outbound{payload: encoded, to: []string{connectionID}})
}

// Disconnect closes a connection after every frame queued before it has been
// handed to the client. The read side then runs the usual disconnect path.
func (hub *Hub) Disconnect(connectionID string) error {
	return hub.enqueue(outbound{
		to:         []string{connectionID},
		closeFrame: websocket.FormatCloseMessage(closeSessionReplaced, "session replaced"),
	})
}

func (hub *Hub) AddToGroup(connectionID, group string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	members := hub.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		hub.groups[group] = members
	}
	members[connectionID] = struct{}{}
}

func (hub *Hub) RemoveFromGroup(connectionID, group string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if members, ok := hub.groups[group]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(hub.groups, group)
		}
	}
}

// Size returns the number of attached websocket clients.
func (hub *Hub) Size() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients)
}

// Close stops the fan-out loop and closes every client's send queue.
func (hub *Hub) Close() {
	hub.closeOnce.Do(func() {
		close(hub.done)
	})
}
