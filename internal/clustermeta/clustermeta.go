// Package clustermeta holds the small, read-only mappings between a
// region and the broker identifiers used to address it: a colo id and
// a Kafka cluster id. The upstream system that produced this design
// treats the two ids as interchangeable in places; rather than
// silently assume that, this package exposes them as two distinct
// injected maps and lets callers decide whether their deployment
// actually needs both.
package clustermeta

import (
	"fmt"

	"meridian/internal/domain"
)

// Mapping is immutable after construction: region topology in this
// engine is a deploy-time decision, not something the ingestion path
// mutates at runtime.
type Mapping struct {
	coloIDs         map[domain.RegionID]string
	kafkaClusterIDs map[domain.RegionID]string
}

func New(coloIDs, kafkaClusterIDs map[domain.RegionID]string) *Mapping {
	m := &Mapping{coloIDs: map[domain.RegionID]string{}, kafkaClusterIDs: map[domain.RegionID]string{}}
	for k, v := range coloIDs {
		m.coloIDs[k] = v
	}
	for k, v := range kafkaClusterIDs {
		m.kafkaClusterIDs[k] = v
	}
	return m
}

func (m *Mapping) ColoID(region domain.RegionID) (string, error) {
	id, ok := m.coloIDs[region]
	if !ok {
		return "", fmt.Errorf("clustermeta: no colo id for region %q", region)
	}
	return id, nil
}

func (m *Mapping) KafkaClusterID(region domain.RegionID) (string, error) {
	id, ok := m.kafkaClusterIDs[region]
	if !ok {
		return "", fmt.Errorf("clustermeta: no kafka cluster id for region %q", region)
	}
	return id, nil
}

// Regions returns every region this mapping knows about, from the
// union of both maps.
func (m *Mapping) Regions() []domain.RegionID {
	seen := map[domain.RegionID]bool{}
	for r := range m.coloIDs {
		seen[r] = true
	}
	for r := range m.kafkaClusterIDs {
		seen[r] = true
	}
	out := make([]domain.RegionID, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	return out
}
