package host

import (
	"sort"
	"sync"
	"time"
)

// Client 是一个通过代理打开的页面（以 cookie 中的 client id 区分）。
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controlled bool      `json:"controlled"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// 页面超过 clientTTL 未出现即视为已关闭；登记数达到 maxClients 时淘汰最久未出现的页面。
const (
	clientTTL  = 30 * time.Minute
	maxClients = 1024
)

// Clients 记录已知页面及其是否受控。激活前打开的页面在 Claim 之前保持不受控。
type Clients struct {
	mu      sync.RWMutex
	clients map[string]*Client
	now     func() time.Time
	ttl     time.Duration
	limit   int
}

func newClients() *Clients {
	return &Clients{
		clients: make(map[string]*Client),
		now:     time.Now,
		ttl:     clientTTL,
		limit:   maxClients,
	}
}

// Touch 登记或刷新一个页面；新页面在已有激活 worker 时直接受控。
func (c *Clients) Touch(id, url string, activeWorker bool) Client {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[id]
	if !ok {
		c.pruneLocked(now)
		client = &Client{ID: id, URL: url, Controlled: activeWorker, FirstSeen: now}
		c.clients[id] = client
	}
	if url != "" {
		client.URL = url
	}
	client.LastSeen = now
	return *client
}

// pruneLocked 删除过期页面，并在容量已满时为新页面腾出一个位置。
func (c *Clients) pruneLocked(now time.Time) {
	for id, client := range c.clients {
		if now.Sub(client.LastSeen) > c.ttl {
			delete(c.clients, id)
		}
	}
	for len(c.clients) >= c.limit && len(c.clients) > 0 {
		var oldest *Client
		for _, client := range c.clients {
			if oldest == nil || client.LastSeen.Before(oldest.LastSeen) {
				oldest = client
			}
		}
		delete(c.clients, oldest.ID)
	}
}

// ClaimAll 将所有已知页面标记为受控，返回新接管的数量。
func (c *Clients) ClaimAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	claimed := 0
	for _, client := range c.clients {
		if !client.Controlled {
			client.Controlled = true
			claimed++
		}
	}
	return claimed
}

// List 清理过期页面后按首次出现时间返回快照。
func (c *Clients) List() []Client {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, client := range c.clients {
		if now.Sub(client.LastSeen) > c.ttl {
			delete(c.clients, id)
		}
	}
	out := make([]Client, 0, len(c.clients))
	for _, client := range c.clients {
		out = append(out, *client)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}
