package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StampPipe/internal/models"
)

// SeedQueueLocations upserts queue locations by slug. Existing ids are kept so past
// check-ins stay attached to their location.
func SeedQueueLocations(ctx context.Context, rs RecordStore, locs []models.QueueLocation) error {
	for _, l := range locs {
		if l.Slug == "" || l.Name == "" {
			return fmt.Errorf("queue location needs a slug and a name: %+v", l)
		}
		if err := rs.Upsert(ctx, CollectionQueueLocations, Row{
			"slug":         l.Slug,
			"name":         l.Name,
			"max_capacity": l.MaxCapacity,
			"is_active":    l.IsActive,
		}, "slug"); err != nil {
			return fmt.Errorf("seed queue location %s: %w", l.Slug, err)
		}
	}
	slog.Debug("SeedQueueLocations: locations seeded", "count", len(locs))
	return nil
}
