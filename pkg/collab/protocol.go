package collab

import (
	"encoding/json"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/types"
)

// Client → server frame types
const (
	FrameRegister  = "register"
	FrameOperation = "operation"
	FrameCursor    = "cursor"
	FrameSync      = "sync"
	FrameHeartbeat = "heartbeat"
)

// Server → client frame types
const (
	FrameSession       = "session"
	FrameRegistered    = "registered"
	FrameAck           = "ack"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameSyncReply     = "sync"
	FrameHeartbeatAck  = "heartbeat_ack"
	FrameError         = "error"
)

// ClientFrame is the envelope of every inbound message; the type
// discriminator selects which optional fields are meaningful
type ClientFrame struct {
	Type           string                `json:"type"`
	DocumentID     string                `json:"document_id,omitempty"`
	UserName       string                `json:"user_name,omitempty"`
	Batch          *types.OperationBatch `json:"batch,omitempty"`
	Position       int                   `json:"position,omitempty"`
	SelectionStart int                   `json:"selection_start,omitempty"`
	SelectionEnd   int                   `json:"selection_end,omitempty"`
	Version        uint64                `json:"version,omitempty"`
}

// ServerFrame is the envelope of every outbound message
type ServerFrame struct {
	Type       string                  `json:"type"`
	DocumentID string                  `json:"document_id,omitempty"`
	Version    uint64                  `json:"version,omitempty"`
	Content    string                  `json:"content,omitempty"`
	Hash       string                  `json:"hash,omitempty"`
	Presence   []*types.Cursor         `json:"presence,omitempty"`
	BatchID    string                  `json:"batch_id,omitempty"`
	Batch      *types.OperationBatch   `json:"batch,omitempty"`
	Cursor     *types.Cursor           `json:"cursor,omitempty"`
	Operations []*types.OperationBatch `json:"operations,omitempty"`
	SessionID  string                  `json:"session_id,omitempty"`
	Token      string                  `json:"token,omitempty"`
	Message    string                  `json:"message,omitempty"`
	Code       string                  `json:"code,omitempty"`
	RetryAfter float64                 `json:"retry_after,omitempty"`
}

// ParseClientFrame decodes and validates one inbound frame. Unknown
// discriminators are rejected.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "malformed frame", err)
	}
	switch frame.Type {
	case FrameRegister, FrameOperation, FrameCursor, FrameSync, FrameHeartbeat:
	default:
		return nil, errdefs.Newf(errdefs.KindValidation, "unknown frame type %q", frame.Type)
	}
	if frame.Type != FrameHeartbeat && frame.DocumentID == "" {
		return nil, errdefs.Newf(errdefs.KindValidation, "%s frame missing document_id", frame.Type)
	}
	if frame.Type == FrameOperation && frame.Batch == nil {
		return nil, errdefs.New(errdefs.KindValidation, "operation frame missing batch")
	}
	return &frame, nil
}

func errorFrame(message, code string) *ServerFrame {
	return &ServerFrame{Type: FrameError, Message: message, Code: code}
}
