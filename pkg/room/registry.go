// Package room implements the Room Registry (sibling-node discovery,
// scoring) and Room Client (HTTP delegation) of spec §4.10. Rooms
// register and heartbeat into Redis with a TTL so a crashed sibling
// drops out of the catalog without an explicit deregister, grounded on
// itsneelabh-gomind's RedisDiscovery.Register/RefreshHeartbeat pattern.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// offlineAfter marks a room offline once its heartbeat is this old, per
// spec §4.10 ("rooms not seen within 120s are marked offline").
const offlineAfter = 120 * time.Second

// Registry stores Room records in Redis under a fixed namespace, keyed
// by room_id with a TTL so a sibling that stops heartbeating silently
// expires from the catalog.
type Registry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRegistry wraps an already-configured redis.Client.
func NewRegistry(client *redis.Client, namespace string) *Registry {
	if namespace == "" {
		namespace = "loop-symphony:rooms"
	}
	return &Registry{client: client, namespace: namespace, ttl: offlineAfter}
}

func (r *Registry) key(roomID string) string {
	return fmt.Sprintf("%s:%s", r.namespace, roomID)
}

// Register upserts a Room record with a fresh TTL.
func (r *Registry) Register(ctx context.Context, rm *models.Room) error {
	tracer := otel.Tracer("loop-symphony.room")
	ctx, span := tracer.Start(ctx, "Registry.Register",
		trace.WithAttributes(attribute.String("room.id", rm.RoomID)))
	defer span.End()

	rm.LastSeenAt = time.Now()
	rm.Status = models.RoomOnline
	data, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	if err := r.client.Set(ctx, r.key(rm.RoomID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("register room: %w", err)
	}
	return nil
}

// Heartbeat refreshes last_seen_at and the record's TTL, and updates its
// reported load. It is the handler behind POST /rooms/heartbeat.
func (r *Registry) Heartbeat(ctx context.Context, roomID string, load float64) error {
	rm, err := r.Get(ctx, roomID)
	if err != nil {
		return err
	}
	rm.Load = load
	return r.Register(ctx, rm)
}

// Deregister removes a room immediately rather than waiting on TTL
// expiry, for a clean shutdown.
func (r *Registry) Deregister(ctx context.Context, roomID string) error {
	return r.client.Del(ctx, r.key(roomID)).Err()
}

// Get returns one room by id, with its status recomputed from staleness
// rather than trusting a possibly-stale stored value.
func (r *Registry) Get(ctx context.Context, roomID string) (*models.Room, error) {
	data, err := r.client.Get(ctx, r.key(roomID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("room %q not found: %w", roomID, err)
	}
	var rm models.Room
	if err := json.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("unmarshal room: %w", err)
	}
	applyStaleness(&rm)
	return &rm, nil
}

// List returns every room whose Redis record has not expired. The
// record's TTL equals offlineAfter, so a room silent for longer than that
// is dropped from the list rather than listed as offline; applyStaleness
// marks a returned record offline only when its stored last_seen_at is
// already older than offlineAfter.
func (r *Registry) List(ctx context.Context) ([]*models.Room, error) {
	pattern := r.namespace + ":*"
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	sort.Strings(keys)

	rooms := make([]*models.Room, 0, len(keys))
	for _, k := range keys {
		data, err := r.client.Get(ctx, k).Bytes()
		if err != nil {
			continue // expired between Keys and Get
		}
		var rm models.Room
		if err := json.Unmarshal(data, &rm); err != nil {
			continue
		}
		applyStaleness(&rm)
		rooms = append(rooms, &rm)
	}
	return rooms, nil
}

func applyStaleness(rm *models.Room) {
	if time.Since(rm.LastSeenAt) > offlineAfter {
		rm.Status = models.RoomOffline
	}
}

// SelectBest implements spec §4.5's room-scoring rule: among online rooms
// whose capabilities superset requiredCaps, prefer (a) locality-required
// candidates over any room, (b) lower reported load, (c) lexicographic
// room_id as a deterministic tie-break. Returns false if no room
// qualifies.
func SelectBest(rooms []*models.Room, requiredCaps []string, localityRequired bool) (*models.Room, bool) {
	var candidates []*models.Room
	for _, rm := range rooms {
		if rm.Status != models.RoomOnline {
			continue
		}
		if !hasAllCapabilities(rm.Capabilities, requiredCaps) {
			continue
		}
		if localityRequired && rm.RoomType != models.RoomTypeLocal {
			continue
		}
		candidates = append(candidates, rm)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.RoomID < b.RoomID
	})
	return candidates[0], true
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
