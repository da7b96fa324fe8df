package api

import (
	"encoding/json"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// submitTaskRequest is the JSON body of POST /task; it is exactly
// models.TaskRequest, aliased so a future request-only field (idempotency
// keys, client metadata) can be added here without touching the
// persisted/wire model.
type submitTaskRequest = models.TaskRequest

// setTrustLevelRequest is the JSON body of PUT /trust/level.
type setTrustLevelRequest struct {
	TrustLevel models.TrustLevel `json:"trust_level"`
}

// createHeartbeatRequest is the JSON body of POST /heartbeats.
type createHeartbeatRequest struct {
	Name            string         `json:"name"`
	QueryTemplate   string         `json:"query_template"`
	CronExpression  string         `json:"cron_expression"`
	Timezone        string         `json:"timezone"`
	ContextTemplate map[string]any `json:"context_template,omitempty"`
	WebhookURL      string         `json:"webhook_url,omitempty"`
}

// registerRoomRequest is the JSON body of POST /rooms/register.
type registerRoomRequest struct {
	RoomID       string   `json:"room_id"`
	RoomName     string   `json:"room_name"`
	RoomType     string   `json:"room_type"`
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities"`
}

// heartbeatRoomRequest is the JSON body of POST /rooms/heartbeat.
// LastKnowledgeVersion is the caller's own knowledge_sync_state cursor —
// the response piggybacks every knowledge entry published since, per spec
// §4.10.
type heartbeatRoomRequest struct {
	RoomID                string  `json:"room_id"`
	Load                  float64 `json:"load"`
	LastKnowledgeVersion  int64   `json:"last_knowledge_version"`
}

// heartbeatRoomResponse carries the knowledge-sync delta back to the
// heartbeating room, along with the version it should report next time.
type heartbeatRoomResponse struct {
	KnowledgeDelta []*models.KnowledgeEntry `json:"knowledge_delta"`
	LatestVersion  int64                    `json:"latest_knowledge_version"`
}

// createArrangementRequest is the JSON body of POST /arrangements.
type createArrangementRequest struct {
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec"`
}
