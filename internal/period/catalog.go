// Package period holds the payroll period catalog: a read-through TTL cache
// over the collaborator's period list.
package period

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/model"
)

// Lister is the slice of the backend client the catalog needs.
type Lister interface {
	ListPeriods(ctx context.Context) ([]model.PayrollPeriod, error)
}

// Catalog caches the payroll period list. The collaborator returns periods
// in chronological order, oldest first; the catalog preserves that order.
type Catalog struct {
	client  Lister
	ttl     time.Duration
	metrics *observability.Metrics

	mu        sync.Mutex
	periods   []model.PayrollPeriod
	fetchedAt time.Time
}

// NewCatalog creates a period catalog with the given cache TTL.
func NewCatalog(client Lister, ttl time.Duration, metrics *observability.Metrics) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{client: client, ttl: ttl, metrics: metrics}
}

// List returns all periods, hitting the collaborator only when the cache is
// empty or expired.
func (c *Catalog) List(ctx context.Context) ([]model.PayrollPeriod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.periods != nil && time.Since(c.fetchedAt) < c.ttl {
		if c.metrics != nil {
			c.metrics.PeriodCacheHitsTotal.Inc()
		}
		return clone(c.periods), nil
	}

	if c.metrics != nil {
		c.metrics.PeriodCacheMissesTotal.Inc()
	}
	periods, err := c.client.ListPeriods(ctx)
	if err != nil {
		// Serve stale data over nothing when the backend is flapping.
		if c.periods != nil && model.IsTransient(err) {
			return clone(c.periods), nil
		}
		return nil, err
	}
	c.periods = periods
	c.fetchedAt = time.Now()
	return clone(periods), nil
}

// Get returns one period by ID.
func (c *Catalog) Get(ctx context.Context, periodID string) (model.PayrollPeriod, error) {
	periods, err := c.List(ctx)
	if err != nil {
		return model.PayrollPeriod{}, err
	}
	for _, p := range periods {
		if p.ID == periodID {
			return p, nil
		}
	}
	return model.PayrollPeriod{}, model.NewNotFoundError(
		fmt.Sprintf("payroll period %q not found", periodID),
	)
}

// Before returns the periods preceding the given period, nearest first.
// Used to pick a copy source when the caller doesn't name one.
func (c *Catalog) Before(ctx context.Context, periodID string) ([]model.PayrollPeriod, error) {
	periods, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, p := range periods {
		if p.ID == periodID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("payroll period %q not found", periodID),
		)
	}
	earlier := make([]model.PayrollPeriod, 0, idx)
	for i := idx - 1; i >= 0; i-- {
		earlier = append(earlier, periods[i])
	}
	return earlier, nil
}

// Invalidate drops the cached list. Called after a period's status changes.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.periods = nil
}

func clone(periods []model.PayrollPeriod) []model.PayrollPeriod {
	out := make([]model.PayrollPeriod, len(periods))
	copy(out, periods)
	return out
}
