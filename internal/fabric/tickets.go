package fabric

import (
	"sync"
	"time"
)

// sessionTicketLifetime is how long a cached ticket remains usable,
// grounded on original_source/src/tls.rs's SESSION_TICKET_LIFETIME.
const sessionTicketLifetime = 7200 * time.Second

// SessionTicket is one cached TLS session ticket for a domain.
type SessionTicket struct {
	Ticket    []byte
	Domain    string
	Timestamp time.Time
}

func (t SessionTicket) expired() bool {
	return time.Since(t.Timestamp) > sessionTicketLifetime
}

// SessionTicketCache maps a domain to its most recently observed
// session ticket, grounded on original_source/src/tls.rs::
// SessionTicketCache, and wired from the TLS relay path per SPEC_FULL's
// supplemented feature 4 (ExtractServerTicket population).
type SessionTicketCache struct {
	mu      sync.RWMutex
	tickets map[string]SessionTicket
}

// NewSessionTicketCache returns an empty cache.
func NewSessionTicketCache() *SessionTicketCache {
	return &SessionTicketCache{tickets: make(map[string]SessionTicket)}
}

// Store records ticket for domain, overwriting any prior entry.
func (c *SessionTicketCache) Store(domain string, ticket []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets[domain] = SessionTicket{Ticket: ticket, Domain: domain, Timestamp: time.Now()}
}

// Get returns the cached ticket for domain, if any and not expired.
func (c *SessionTicketCache) Get(domain string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickets[domain]
	if !ok || t.expired() {
		return nil, false
	}
	return t.Ticket, true
}

// CleanupExpired removes all tickets past their lifetime.
func (c *SessionTicketCache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for domain, t := range c.tickets {
		if t.expired() {
			delete(c.tickets, domain)
		}
	}
}

// Clear empties the cache.
func (c *SessionTicketCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets = make(map[string]SessionTicket)
}
