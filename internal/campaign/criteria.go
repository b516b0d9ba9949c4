package campaign

import (
	"strings"
	"time"
)

// Criteria selects subscribers. Every field is optional; set fields combine
// with AND, Tags match when the subscriber has at least one of them.
// RegisteredFrom and RegisteredTo are inclusive.
type Criteria struct {
	Language       string     `json:"language,omitempty"`
	Source         string     `json:"source,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	RegisteredFrom *time.Time `json:"registered_from,omitempty"`
	RegisteredTo   *time.Time `json:"registered_to,omitempty"`
}

// Normalize trims values and drops blank tags.
func (c Criteria) Normalize() Criteria {
	out := Criteria{
		Language:       strings.TrimSpace(c.Language),
		Source:         strings.TrimSpace(c.Source),
		RegisteredFrom: c.RegisteredFrom,
		RegisteredTo:   c.RegisteredTo,
	}
	for _, t := range c.Tags {
		if t = strings.TrimSpace(t); t != "" {
			out.Tags = append(out.Tags, t)
		}
	}
	return out
}

func (c Criteria) IsEmpty() bool {
	n := c.Normalize()
	return n.Language == "" && n.Source == "" && len(n.Tags) == 0 && n.RegisteredFrom == nil && n.RegisteredTo == nil
}

// Matches evaluates the criteria against one subscriber in memory.
func (c Criteria) Matches(s Subscriber) bool {
	c = c.Normalize()
	if c.Language != "" && s.Language != c.Language {
		return false
	}
	if c.Source != "" && s.Source != c.Source {
		return false
	}
	if len(c.Tags) > 0 {
		hit := false
		for _, t := range c.Tags {
			if s.HasTag(t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if c.RegisteredFrom != nil && s.RegisteredAt.Before(*c.RegisteredFrom) {
		return false
	}
	if c.RegisteredTo != nil && s.RegisteredAt.After(*c.RegisteredTo) {
		return false
	}
	return true
}
