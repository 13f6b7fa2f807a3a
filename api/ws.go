package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync-api/board"
	"boardsync-api/domain"
	"boardsync-api/realtime"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// Hub upgrades authenticated connections into live sessions and runs the
// per-connection read and write loops. Room membership and fan-out live in
// the session registry; the hub only speaks the wire protocol.
type Hub struct {
	svc      Board
	auth     Authenticator
	registry *realtime.Registry
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHub(svc Board, auth Authenticator, registry *realtime.Registry, logger *log.Logger) *Hub {
	if svc == nil || registry == nil {
		panic("api.NewHub: nil dependency")
	}
	return &Hub{
		svc:      svc,
		auth:     auth,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced at the HTTP layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle authenticates the handshake, upgrades it and services the session
// until the connection drops. Credentials arrive in the Authorization header
// or, for browser clients that cannot set headers on a socket handshake, in
// the token query parameter.
func (h *Hub) Handle(c echo.Context) error {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		if token := c.QueryParam("token"); token != "" {
			header = "Bearer " + token
		}
	}
	userID, err := h.auth.UserIDFromAuthHeader(header)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written its own error response.
		return nil
	}

	sess := h.registry.Open(userID)
	defer h.registry.Close(sess.ID)

	acks := make(chan realtime.Frame, 16)
	writerDone := make(chan struct{})
	go h.writeLoop(conn, sess, acks, writerDone)

	h.readLoop(c.Request().Context(), conn, sess, acks, writerDone)

	// Closing the session closes its outbound channel, which stops the writer.
	h.registry.Close(sess.ID)
	<-writerDone
	return nil
}

func (h *Hub) writeLoop(conn *websocket.Conn, sess *realtime.Session, acks <-chan realtime.Frame, done chan<- struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		close(done)
	}()
	for {
		select {
		case frame, ok := <-sess.Out():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !h.writeFrame(conn, sess, frame) {
				return
			}
		case frame := <-acks:
			if !h.writeFrame(conn, sess, frame) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeFrame(conn *websocket.Conn, sess *realtime.Session, frame realtime.Frame) bool {
	data, err := sonic.ConfigStd.Marshal(frame)
	if err != nil {
		h.logger.WithField("session", sess.ID).Errorf("encode frame: %v", err)
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, sess *realtime.Session, acks chan<- realtime.Frame, writerDone <-chan struct{}) {
	conn.SetReadLimit(mutationBodyMaxSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithField("session", sess.ID).Debugf("session read ended: %v", err)
			}
			return
		}

		var msg clientMessage
		if err := sonic.ConfigStd.Unmarshal(data, &msg); err != nil {
			h.sendAck(acks, writerDone, ackPayload{OK: false, Error: "invalid message"})
			continue
		}
		ack := h.dispatch(ctx, sess, msg)
		h.sendAck(acks, writerDone, ack)
	}
}

// sendAck hands the ack to the connection writer. Unlike room broadcasts,
// acks are never dropped; the reader blocks until the writer takes it. A
// writer that has already died releases the reader so the session can be
// torn down instead of lingering in its rooms.
func (h *Hub) sendAck(acks chan<- realtime.Frame, writerDone <-chan struct{}, ack ackPayload) {
	data, err := sonic.ConfigStd.Marshal(ack)
	if err != nil {
		h.logger.Errorf("encode ack: %v", err)
		return
	}
	select {
	case acks <- realtime.Frame{Event: "ack", Data: data}:
	case <-writerDone:
	}
}

func (h *Hub) dispatch(ctx context.Context, sess *realtime.Session, msg clientMessage) ackPayload {
	origin := board.Origin{EventID: msg.ID, SessionID: sess.ID}

	switch msg.Event {
	case "join_room":
		var req roomRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil || req.ProjectID == "" {
			return ackPayload{ID: msg.ID, Error: "invalid join_room payload"}
		}
		if _, err := h.svc.EnsureMember(ctx, req.ProjectID, sess.UserID); err != nil {
			return ackFromError(msg.ID, err)
		}
		h.registry.Join(sess.ID, domain.RoomForProject(req.ProjectID))
		h.svc.AnnounceJoin(ctx, sess.UserID, req.ProjectID, origin)
		return ackPayload{ID: msg.ID, OK: true}

	case "leave_room":
		var req roomRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil || req.ProjectID == "" {
			return ackPayload{ID: msg.ID, Error: "invalid leave_room payload"}
		}
		h.registry.Leave(sess.ID, domain.RoomForProject(req.ProjectID))
		return ackPayload{ID: msg.ID, OK: true}

	case "card.create":
		var req createCardRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil {
			return ackPayload{ID: msg.ID, Error: "invalid card.create payload"}
		}
		card, err := h.svc.CreateCard(ctx, sess.UserID, board.CreateCardInput{
			ProjectID:   req.ProjectID,
			ColumnID:    req.ColumnID,
			Title:       req.Title,
			Description: req.Description,
			Labels:      req.Labels,
			Assignees:   req.Assignees,
			Priority:    req.Priority,
			DueDate:     req.DueDate,
			Position:    req.Position,
		}, origin)
		if err != nil {
			return ackFromError(msg.ID, err)
		}
		return ackPayload{ID: msg.ID, OK: true, Result: card}

	case "card.update":
		var req wsCardUpdateRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil {
			return ackPayload{ID: msg.ID, Error: "invalid card.update payload"}
		}
		card, err := h.svc.UpdateCard(ctx, sess.UserID, req.CardID, req.CardPatch, req.ClientVersion, origin)
		if err != nil {
			return ackFromError(msg.ID, err)
		}
		return ackPayload{ID: msg.ID, OK: true, Result: card}

	case "card.move":
		var req wsCardMoveRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil {
			return ackPayload{ID: msg.ID, Error: "invalid card.move payload"}
		}
		card, err := h.svc.MoveCard(ctx, sess.UserID, req.CardID, req.FromColumnID, req.ToColumnID, req.Position, req.ClientVersion, origin)
		if err != nil {
			return ackFromError(msg.ID, err)
		}
		return ackPayload{ID: msg.ID, OK: true, Result: card}

	case "card.delete":
		var req wsCardDeleteRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil {
			return ackPayload{ID: msg.ID, Error: "invalid card.delete payload"}
		}
		if err := h.svc.DeleteCard(ctx, sess.UserID, req.CardID, origin); err != nil {
			return ackFromError(msg.ID, err)
		}
		return ackPayload{ID: msg.ID, OK: true}

	case "chat.message":
		var req chatSendRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil {
			return ackPayload{ID: msg.ID, Error: "invalid chat.message payload"}
		}
		message, err := h.svc.PostMessage(ctx, sess.UserID, req.ProjectID, req.Text, origin)
		if err != nil {
			return ackFromError(msg.ID, err)
		}
		return ackPayload{ID: msg.ID, OK: true, Result: message}

	case "chat.typing":
		var req roomRequest
		if err := sonic.ConfigStd.Unmarshal(msg.Data, &req); err != nil || req.ProjectID == "" {
			return ackPayload{ID: msg.ID, Error: "invalid chat.typing payload"}
		}
		if err := h.svc.Typing(ctx, sess.UserID, req.ProjectID, origin); err != nil {
			return ackFromError(msg.ID, err)
		}
		return ackPayload{ID: msg.ID, OK: true}

	default:
		return ackPayload{ID: msg.ID, Error: "unknown event"}
	}
}

// ackFromError translates the mutation engine's error taxonomy into the ack
// shape. Duplicates acknowledge success: the original send was applied.
func ackFromError(id string, err error) ackPayload {
	var conflict domain.ConflictError
	var bad domain.BadRequestError
	switch {
	case errors.As(err, &conflict):
		return ackPayload{ID: id, Conflict: true, ServerVersion: conflict.ServerVersion, ServerState: conflict.ServerState}
	case errors.As(err, &bad):
		return ackPayload{ID: id, Error: bad.Reason}
	case errors.Is(err, domain.ErrDuplicate):
		return ackPayload{ID: id, OK: true, Duplicate: true}
	case errors.Is(err, domain.ErrNotFound):
		return ackPayload{ID: id, Error: "not found"}
	case errors.Is(err, domain.ErrForbidden):
		return ackPayload{ID: id, Error: "forbidden"}
	default:
		return ackPayload{ID: id, Error: "internal error"}
	}
}
