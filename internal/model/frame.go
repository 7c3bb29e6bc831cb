package model

// FrameMessage is the JSON payload a worker publishes to its pub/sub
// frame channel, and the shape the Frame Broker re-emits to WebSocket
// subscribers verbatim (plus the `type` discriminator, added on ingest
// so a subscriber filter-less of message kind can still tell frames
// apart from any future message type on the same socket).
type FrameMessage struct {
	Type               string    `json:"type"`
	StreamID           string    `json:"stream_id"`
	Timestamp          int64     `json:"ts"`
	Width              int       `json:"w"`
	Height             int       `json:"h"`
	FPS                float64   `json:"fps"`
	VectorCount        int       `json:"vector_count"`
	AvgMagnitude       float64   `json:"avg_magnitude"`
	MaxMagnitude       float64   `json:"max_magnitude"`
	DirectionDegrees   float64   `json:"direction_degrees"`
	DirectionCoherence float64   `json:"direction_coherence"`
	FrameB64           string    `json:"frame_b64"`
	Vectors            []float64 `json:"vectors,omitempty"`
}
