// Package broker implements the viewer-facing Session Broker (spec §4.6):
// a replay-then-live handover over Server-Sent Events, turning a task's
// durable cache plus its live bus into a single ordered stream for each
// connecting viewer.
//
// Grounded on the corpus's "tail" SSE handler
// (internal/serialmux/serialmux.go's AttachAdminRoutes), generalized
// from raw serial-port lines to a tagged JSON message union, and on
// commands.go's discriminated-JSON decode style for inbound messages.
package broker

import "encoding/json"

// MessageType discriminates the tagged union below (spec §6 wire format).
type MessageType string

const (
	MessageGridInfo     MessageType = "grid_info"
	MessageSnapshotReady MessageType = "snapshot_ready"
	MessageTile         MessageType = "tile"
	MessageProgress     MessageType = "progress"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageDone         MessageType = "done"
	MessageError        MessageType = "error"
)

// Message is the server->client wire envelope. Exactly one of the typed
// payload fields is populated, matching Type.
type Message struct {
	Type MessageType `json:"type"`

	GridInfo     *GridInfoPayload     `json:"grid_info,omitempty"`
	SnapshotReady *SnapshotReadyPayload `json:"snapshot_ready,omitempty"`
	Tile         *TilePayload         `json:"tile,omitempty"`
	Progress     *ProgressPayload     `json:"progress,omitempty"`
	Done         *DonePayload         `json:"done,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// GridInfoPayload is sent once, right after a session's replay begins,
// so the viewer can size its canvas before any tiles arrive.
type GridInfoPayload struct {
	TaskID string  `json:"task_id"`
	GridY  int     `json:"grid_y"`
	GridX  int     `json:"grid_x"`
	Levels int     `json:"levels"`
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// SnapshotReadyPayload announces a freshly rendered PNG for a level.
type SnapshotReadyPayload struct {
	Level int    `json:"level"`
	URL   string `json:"url"`
}

// TilePayload is one completed subtile, replayed from cache or forwarded
// live from the bus.
type TilePayload struct {
	Seq       uint64  `json:"seq"`
	Level     int     `json:"level"`
	TileRow   int     `json:"tile_row"`
	TileCol   int     `json:"tile_col"`
	SubRow    int     `json:"sub_row"`
	SubCol    int     `json:"sub_col"`
	Elevation float64 `json:"elevation"`
	HasData   bool    `json:"has_data"`
}

// ProgressPayload is a periodic summary of a task's counters.
type ProgressPayload struct {
	Scheduled int64  `json:"scheduled"`
	Completed int64  `json:"completed"`
	Positive  int64  `json:"positive"`
	Failed    int64  `json:"failed"`
	Status    string `json:"status"`
}

// DonePayload announces that the task has reached a terminal status
// (completed, stopped, or failed) and no further tiles will arrive.
type DonePayload struct {
	TaskID string `json:"task_id"`
}

// ErrorPayload describes a terminal or recoverable session error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ClientMessageType discriminates inbound client->server control messages.
type ClientMessageType string

const (
	ClientPing      ClientMessageType = "ping"
	ClientStartTask ClientMessageType = "start_task"
	ClientPauseTask ClientMessageType = "pause_task"
	ClientStopTask  ClientMessageType = "stop_task"
	ClientGetStatus ClientMessageType = "get_status"
)

// ClientMessage is the client->server envelope, decoded from a raw JSON
// body the same way commands.go decodes a discriminated command.
type ClientMessage struct {
	Type   ClientMessageType `json:"type"`
	TaskID string            `json:"task_id,omitempty"`
}

// DecodeClientMessage parses one client message from raw JSON.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// Marshal renders a Message for SSE transmission, as a single JSON line.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
