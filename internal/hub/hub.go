// Package hub is the process-wide registry of live connections and the
// topics they subscribe to.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/weiawesome/wes-io-talk/internal/config"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// ChatTopic names the fan-out set of a chat room.
func ChatTopic(roomID string) string {
	return "chat:" + roomID
}

// CallTopic names the fan-out set of a call. The topology is part of the
// key so equal call ids of different topologies never share a set.
func CallTopic(topology domain.Topology, callID string) string {
	return domain.CallKey(topology, callID)
}

type Hub struct {
	clients    map[string]*Client            // clientID -> client
	topics     map[string]map[string]*Client // topic -> clientID -> client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	config     config.WebSocketConfig
}

// TopicMessage is one fan-out. Recipients are fixed when the message is
// published, so a connection that subscribes afterwards never sees it.
type TopicMessage struct {
	Topic      string
	Message    []byte
	Exclude    string // Client ID to exclude
	User       string // when set, only clients of this user receive it
	Recipients []*Client
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		topics:     make(map[string]map[string]*Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     cfg,
	}
}

// Run processes unregistrations until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.done)
	for id, client := range h.clients {
		client.closeSend()
		delete(h.clients, id)
	}
	h.topics = make(map[string]map[string]*Client)
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// snapshot builds the fan-out for the current members of msg.Topic. With
// detach set the members are also removed from the topic, atomically with
// the snapshot. Must be called with h.mu held for writing when detach is
// set, for reading otherwise.
func (h *Hub) snapshot(msg *TopicMessage, detach bool) {
	members := h.topics[msg.Topic]
	msg.Recipients = make([]*Client, 0, len(members))
	for clientID, client := range members {
		if clientID == msg.Exclude {
			continue
		}
		if msg.User != "" && client.Session.GetUserID() != msg.User {
			continue
		}
		msg.Recipients = append(msg.Recipients, client)
	}
	if detach {
		delete(h.topics, msg.Topic)
	}
}

// deliver hands msg to its recipients without blocking and evicts the ones
// whose buffers are full.
func (h *Hub) deliver(msg *TopicMessage) {
	var slow []*Client
	for _, client := range msg.Recipients {
		if !client.trySend(msg.Message) {
			slow = append(slow, client)
		}
	}

	for _, client := range slow {
		l := log.L()
		l.Warn().Str(log.FieldClientID, client.ID).Str("topic", msg.Topic).Msg("evicting slow client")
		h.removeClient(client)
	}
}

// removeClient drops the client from every topic and closes its send
// channel, which makes the write pump close the connection.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	if ok {
		for topic, members := range h.topics {
			delete(members, client.ID)
			if len(members) == 0 {
				delete(h.topics, topic)
			}
		}
		delete(h.clients, client.ID)
		client.closeSend()
	}
	h.mu.Unlock()

	if ok {
		l := log.L()
		l.Debug().Str(log.FieldClientID, client.ID).Msg("client unregistered")
	}
}

// Register adds the client. Registration is synchronous so the client can
// subscribe as soon as this returns.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	if h.stopped() {
		h.mu.Unlock()
		client.closeSend()
		return
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldClientID, client.ID).Msg("client registered")
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds the client to topic and reports whether it was new.
func (h *Hub) Subscribe(client *Client, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*Client)
		h.topics[topic] = members
	}
	if _, ok := members[client.ID]; ok {
		return false
	}
	members[client.ID] = client
	return true
}

// Unsubscribe removes the client from topic and reports whether it was
// subscribed.
func (h *Hub) Unsubscribe(client *Client, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.topics[topic]
	if !ok {
		return false
	}
	if _, ok := members[client.ID]; !ok {
		return false
	}
	delete(members, client.ID)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
	return true
}

// Broadcast sends message to every current subscriber of topic except the
// client with id exclude. It never blocks on a subscriber.
func (h *Hub) Broadcast(topic string, message interface{}, exclude string) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.BroadcastRaw(topic, data, exclude)
	return nil
}

// BroadcastRaw sends pre-encoded bytes to every current subscriber of
// topic. Calls made in sequence are delivered in that sequence.
func (h *Hub) BroadcastRaw(topic string, data []byte, exclude string) {
	h.publish(&TopicMessage{Topic: topic, Message: data, Exclude: exclude})
}

// BroadcastToUser sends pre-encoded bytes to the subscribers of topic that
// belong to userID.
func (h *Hub) BroadcastToUser(topic, userID string, data []byte, exclude string) {
	h.publish(&TopicMessage{Topic: topic, Message: data, Exclude: exclude, User: userID})
}

func (h *Hub) publish(msg *TopicMessage) {
	h.mu.RLock()
	if h.stopped() {
		h.mu.RUnlock()
		return
	}
	h.snapshot(msg, false)
	h.mu.RUnlock()

	h.deliver(msg)
}

// BroadcastAndDetach delivers data to the current subscribers of topic and
// removes exactly those from it. detach runs for each of them before this
// returns; a client subscribing afterwards is untouched.
func (h *Hub) BroadcastAndDetach(topic string, data []byte, detach func(*Client)) {
	msg := &TopicMessage{Topic: topic, Message: data}

	h.mu.Lock()
	if h.stopped() {
		h.mu.Unlock()
		return
	}
	h.snapshot(msg, true)
	h.mu.Unlock()

	for _, client := range msg.Recipients {
		detach(client)
	}
	h.deliver(msg)
}

// Members returns a snapshot of the local subscribers of topic.
func (h *Hub) Members(topic string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		out = append(out, c)
	}
	return out
}

// SubscriberCount returns the number of local subscribers of topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Client returns a registered client by id.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
