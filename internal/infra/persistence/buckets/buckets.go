// Package buckets encodes store snapshots as one JSON payload per record
// bucket, the row layout shared by the sql and blob persisters.
package buckets

import (
	"encoding/json"
	"fmt"

	"sleecore/pkg/domain"
)

const (
	Services         = "services"
	Entities         = "entities"
	ActivityContexts = "activity_contexts"
)

// Names lists every bucket in persistence order.
var Names = []string{Services, Entities, ActivityContexts}

// Bucket is one encoded bucket payload.
type Bucket struct {
	Name    string
	Payload []byte
}

// ForEntity maps a change's entity type to its bucket.
func ForEntity(entity domain.EntityType) (string, bool) {
	switch entity {
	case domain.EntityService:
		return Services, true
	case domain.EntityManaged:
		return Entities, true
	case domain.EntityActivityContext:
		return ActivityContexts, true
	default:
		return "", false
	}
}

// Touched returns the buckets affected by changes, in persistence order.
func Touched(changes []domain.Change) []string {
	seen := make(map[string]bool, len(Names))
	for _, c := range changes {
		if name, ok := ForEntity(c.Entity); ok {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for _, name := range Names {
		if seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// Encode marshals the named buckets of snapshot. An empty names slice
// encodes every bucket.
func Encode(snapshot domain.Snapshot, names ...string) ([]Bucket, error) {
	if len(names) == 0 {
		names = Names
	}
	out := make([]Bucket, 0, len(names))
	for _, name := range names {
		var (
			data []byte
			err  error
		)
		switch name {
		case Services:
			data, err = json.Marshal(nonNil(snapshot.Services))
		case Entities:
			data, err = json.Marshal(nonNil(snapshot.Entities))
		case ActivityContexts:
			data, err = json.Marshal(nonNil(snapshot.ActivityContexts))
		default:
			return nil, fmt.Errorf("unknown bucket %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out = append(out, Bucket{Name: name, Payload: data})
	}
	return out, nil
}

// Decode unmarshals payload into the matching bucket of snapshot. Unknown
// buckets and empty payloads are ignored.
func Decode(snapshot *domain.Snapshot, name string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var target any
	switch name {
	case Services:
		target = &snapshot.Services
	case Entities:
		target = &snapshot.Entities
	case ActivityContexts:
		target = &snapshot.ActivityContexts
	default:
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
