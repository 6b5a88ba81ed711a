package cache

import "github.com/avibox/avibox/internal/events"

// Invalidator is the event bus subscriber that drops detection-derived
// cache entries whenever a new detection is stored.
type Invalidator struct {
	cache *Cache
}

func NewInvalidator(c *Cache) *Invalidator {
	return &Invalidator{cache: c}
}

// Name implements events.Subscriber.
func (i *Invalidator) Name() string { return "cache-invalidator" }

// HandleDetection implements events.Subscriber.
func (i *Invalidator) HandleDetection(events.Detection) error {
	i.cache.OnDetectionInsert()
	return nil
}
