package watcher

import (
	"sort"

	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
	"github.com/fliqwatch/fliqwatch/internal/pkg/storage"
)

// ChangeSet is the outcome of diffing a live snapshot against the seen store.
type ChangeSet struct {
	// New markets that have never been dispatched. Ordered by end time
	// ascending (ties by key) so processing order is deterministic.
	New []models.Market
	// Updated markets whose version fingerprint advanced since they were
	// marked seen. Same ordering as New.
	Updated []models.Market
	// Removed records whose market is no longer present in the live snapshot.
	Removed []storage.SeenRecord
}

// DetectChanges diffs the live snapshot against the seen records.
// FirstDetectedAt carries over from the seen record for markets that survive.
func DetectChanges(live map[string]models.Market, seen map[string]storage.SeenRecord) ChangeSet {
	var cs ChangeSet

	for key, m := range live {
		rec, ok := seen[key]
		if !ok {
			cs.New = append(cs.New, m)
			continue
		}
		m.FirstDetectedAt = rec.FirstDetectedAt
		if rec.Version != m.Version() {
			cs.Updated = append(cs.Updated, m)
		}
	}

	for key, rec := range seen {
		if _, ok := live[key]; !ok {
			cs.Removed = append(cs.Removed, rec)
		}
	}

	sortMarkets(cs.New)
	sortMarkets(cs.Updated)
	sort.Slice(cs.Removed, func(i, j int) bool {
		return cs.Removed[i].Key() < cs.Removed[j].Key()
	})
	return cs
}

func sortMarkets(markets []models.Market) {
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].EndTime != markets[j].EndTime {
			return markets[i].EndTime < markets[j].EndTime
		}
		return markets[i].Key() < markets[j].Key()
	})
}
