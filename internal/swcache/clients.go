package swcache

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const clientCookie = "sw_client"

// Clients tracks browsers that loaded a page through the worker and which
// worker version controls each of them.
type Clients struct {
	mu   sync.Mutex
	byID map[string]*client
}

type client struct {
	controller string
	lastSeen   time.Time
}

func NewClients() *Clients {
	return &Clients{byID: make(map[string]*client)}
}

// Touch records a navigation from id. A new client is controlled by
// controller; a known one keeps its current controller until a claim.
func (c *Clients) Touch(id, controller string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.byID[id]
	if !ok {
		cl = &client{controller: controller}
		c.byID[id] = cl
	}
	if cl.controller == "" {
		cl.controller = controller
	}
	cl.lastSeen = time.Now()
	return cl.controller
}

// Claim makes version the controller of every known client and returns the
// number of clients that changed controller.
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.byID {
		if cl.controller != version {
			cl.controller = version
			n++
		}
	}
	return n
}

func (c *Clients) Controller(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.byID[id]
	if !ok {
		return "", false
	}
	return cl.controller, true
}

// Controllers counts clients per controlling version.
func (c *Clients) Controllers() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for _, cl := range c.byID {
		out[cl.controller]++
	}
	return out
}

func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// clientID returns the client id carried by r. A missing or malformed cookie
// yields a fresh id and the cookie that must be sent back.
func clientID(r *http.Request) (string, *http.Cookie) {
	if ck, err := r.Cookie(clientCookie); err == nil {
		if id, err := uuid.Parse(ck.Value); err == nil {
			return id.String(), nil
		}
	}
	id := uuid.NewString()
	return id, &http.Cookie{
		Name:     clientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
