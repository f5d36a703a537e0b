package provider

import (
	"encoding/json"
	"fmt"

	"github.com/lfarias/mailkeep/internal/store"
)

// Action payloads are stored as JSON on the pending_actions row and decoded
// by the adapter applying them.

// SendPayload describes an outbox send or draft write.
type SendPayload struct {
	// MessageID is the local outbox/draft message id.
	MessageID string   `json:"message_id"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	// Attachments ride along with the message payload; large ones are
	// uploaded through a chunked session first and referenced by UploadID.
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	// RemoteMessageID is set for draft updates targeting an existing remote draft.
	RemoteMessageID string `json:"remote_message_id,omitempty"`
}

// AttachmentRef points the adapter at locally stored attachment content.
type AttachmentRef struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	LocalPath string `json:"local_path"`
	// UploadID references a finished chunked upload session, when used.
	UploadID string `json:"upload_id,omitempty"`
}

// MovePayload names the destination folder of a move.
type MovePayload struct {
	FromFolderID string `json:"from_folder_id"`
	ToFolderID   string `json:"to_folder_id"`
}

// EncodePayload renders a payload for storage on an action row.
func EncodePayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode action payload: %w", err)
	}
	return string(b), nil
}

// DecodeSendPayload parses the payload of a send/draft action.
func DecodeSendPayload(a *store.PendingAction) (*SendPayload, error) {
	var p SendPayload
	if err := json.Unmarshal([]byte(a.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode send payload for action %d: %w", a.ID, err)
	}
	return &p, nil
}

// DecodeMovePayload parses the payload of a move action.
func DecodeMovePayload(a *store.PendingAction) (*MovePayload, error) {
	var p MovePayload
	if err := json.Unmarshal([]byte(a.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode move payload for action %d: %w", a.ID, err)
	}
	return &p, nil
}
