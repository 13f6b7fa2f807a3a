package api

import (
	"encoding/json"

	"boardsync-api/domain"
)

const mutationBodyMaxSize = 64 * 1024 // 64 KiB

type createCardRequest struct {
	ProjectID   string   `json:"projectId"`
	ColumnID    string   `json:"columnId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Assignees   []string `json:"assignees"`
	Priority    string   `json:"priority"`
	DueDate     string   `json:"dueDate"`
	Position    *int     `json:"position"`
}

type updateCardRequest struct {
	ClientVersion int `json:"clientVersion"`
	domain.CardPatch
}

type moveCardRequest struct {
	ClientVersion int    `json:"clientVersion"`
	FromColumnID  string `json:"fromColumnId"`
	ToColumnID    string `json:"toColumnId"`
	Position      int    `json:"position"`
}

type createColumnRequest struct {
	BoardID string `json:"boardId"`
	Name    string `json:"name"`
	Order   *int   `json:"order"`
}

type updateColumnRequest struct {
	Name  *string `json:"name"`
	Order *int    `json:"order"`
}

type postMessageRequest struct {
	Text string `json:"text"`
}

type messagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

// duplicateResponse tells a retrying client its original send already went
// through.
type duplicateResponse struct {
	Duplicate bool `json:"duplicate"`
}

// clientMessage is a single client-to-server frame on a live session. ID is
// the client-generated event id; it doubles as the idempotency mark and as
// the ack correlation id.
type clientMessage struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ackPayload is the body of the "ack" frame answering a client message.
type ackPayload struct {
	ID            string `json:"id,omitempty"`
	OK            bool   `json:"ok"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Conflict      bool   `json:"conflict,omitempty"`
	ServerVersion int    `json:"serverVersion,omitempty"`
	ServerState   any    `json:"serverState,omitempty"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}

type roomRequest struct {
	ProjectID string `json:"projectId"`
}

type chatSendRequest struct {
	ProjectID string `json:"projectId"`
	Text      string `json:"text"`
}

type wsCardUpdateRequest struct {
	CardID string `json:"cardId"`
	updateCardRequest
}

type wsCardMoveRequest struct {
	CardID string `json:"cardId"`
	moveCardRequest
}

type wsCardDeleteRequest struct {
	CardID string `json:"cardId"`
}
