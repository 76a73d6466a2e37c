package messaging

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Client 是一个已连接的页面实例。
type Client struct {
	id       string
	messages chan Message
}

func (c *Client) ID() string { return c.id }

// Messages 返回该页面的接收通道；Disconnect 后通道被关闭。
func (c *Client) Messages() <-chan Message { return c.messages }

// Hub 维护当前打开的页面实例，并向它们投递消息。
type Hub struct {
	mu      sync.RWMutex
	buffer  int
	clients map[string]*Client
	idle    chan struct{}
}

// NewHub 构造 Hub；buffer 为每个客户端的消息缓冲，<= 0 时取 1。
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		buffer:  buffer,
		clients: make(map[string]*Client),
		idle:    make(chan struct{}, 1),
	}
}

// Connect 注册一个新的页面实例。
func (h *Hub) Connect() *Client {
	client := &Client{
		id:       uuid.NewString(),
		messages: make(chan Message, h.buffer),
	}
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	return client
}

// Disconnect 注销页面实例并关闭其通道。最后一个页面离开时发出空闲信号。
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(client.messages)
	}
	empty := len(h.clients) == 0
	h.mu.Unlock()

	if ok && empty {
		select {
		case h.idle <- struct{}{}:
		default:
		}
	}
}

// Idle 在打开的页面数降为 0 时收到信号。信号会合并，不保证一次离开对应一次信号。
func (h *Hub) Idle() <-chan struct{} { return h.idle }

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IDs 返回当前页面 ID，按字典序排列。
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Broadcast 向每个打开的页面投递 msg，不阻塞：缓冲已满的页面会错过本条消息。
// 返回实际投递的数量。
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		select {
		case client.messages <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// CloseAll 断开所有页面，用于进程退出前结束 SSE 连接。
func (h *Hub) CloseAll() {
	for _, id := range h.IDs() {
		h.Disconnect(id)
	}
}
