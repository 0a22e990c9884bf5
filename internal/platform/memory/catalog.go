package memory

import (
	"context"
	"sync"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// Catalog is a fixed set of course offers implementing domain.CatalogLookup.
type Catalog struct {
	mu     sync.RWMutex
	offers map[string]domain.CourseOffer
	err    error
}

// NewCatalog creates a catalog holding offers.
func NewCatalog(offers ...domain.CourseOffer) *Catalog {
	c := &Catalog{offers: make(map[string]domain.CourseOffer, len(offers))}
	for _, o := range offers {
		c.offers[o.CourseID] = o
	}
	return c
}

// Put adds or replaces an offer.
func (c *Catalog) Put(offer domain.CourseOffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers[offer.CourseID] = offer
}

// FailWith makes every lookup return err until called with nil.
func (c *Catalog) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// GetCourseOffer implements domain.CatalogLookup.
func (c *Catalog) GetCourseOffer(_ context.Context, courseID string) (*domain.CourseOffer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return nil, c.err
	}
	o, ok := c.offers[courseID]
	if !ok {
		return nil, domain.NewCheckoutError(domain.ErrNotFound, "course not found", "COURSE_NOT_FOUND")
	}
	return &o, nil
}
