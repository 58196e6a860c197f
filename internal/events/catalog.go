package events

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Names are lowerCamelCase, as sent by the chat server.
var namePattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)

// Catalog is the set of socket events the client understands.
type Catalog struct {
	mu     sync.RWMutex
	events map[string]*Event
}

func NewCatalog() *Catalog {
	return &Catalog{events: make(map[string]*Event)}
}

// Register validates e and adds it to the catalog.
func (c *Catalog) Register(e *Event) error {
	if e == nil {
		return &EventError{Type: ErrorValidationFailed, Message: "cannot register nil event"}
	}
	if !namePattern.MatchString(e.Name) {
		return &EventError{Type: ErrorValidationFailed, Event: e.Name, Message: "name must be lowerCamelCase"}
	}
	switch e.Direction {
	case Inbound, Outbound, Both:
	default:
		return &EventError{Type: ErrorValidationFailed, Event: e.Name, Message: "unknown direction " + string(e.Direction)}
	}
	if strings.TrimSpace(e.Description) == "" {
		return &EventError{Type: ErrorValidationFailed, Event: e.Name, Message: "description cannot be empty"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.events[e.Name]; exists {
		return &EventError{Type: ErrorDuplicateRegistration, Event: e.Name, Message: "event already registered"}
	}
	c.events[e.Name] = e
	return nil
}

// MustRegister is Register for package-level catalogs.
func (c *Catalog) MustRegister(e *Event) {
	if err := c.Register(e); err != nil {
		panic(err)
	}
}

// Get retrieves an event by name
func (c *Catalog) Get(name string) (*Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[name]
	return e, ok
}

// Track counts one receipt of name. It reports false for events the
// catalog does not know.
func (c *Catalog) Track(name string) bool {
	e, ok := c.Get(name)
	if !ok {
		return false
	}
	e.seen.Add(1)
	return true
}

// List returns events travelling in direction d (all when d is empty),
// sorted by name.
func (c *Catalog) List(d Direction) []*Event {
	c.mu.RLock()
	out := make([]*Event, 0, len(c.events))
	for _, e := range c.events {
		if e.Matches(d) {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseDirection converts a flag value to a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch d := Direction(strings.ToLower(s)); d {
	case "", Inbound, Outbound, Both:
		return d, true
	}
	return "", false
}
