package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync-api/board"
	"boardsync-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Board, auth Authenticator, hub *Hub, logger *log.Logger) {
	e.POST("/api/cards", createCard(svc, auth, logger))
	e.PATCH("/api/cards/:id", updateCard(svc, auth, logger))
	e.POST("/api/cards/:id/move", moveCard(svc, auth, logger))
	e.DELETE("/api/cards/:id", deleteCard(svc, auth))

	e.POST("/api/columns", createColumn(svc, auth))
	e.PATCH("/api/columns/:id", updateColumn(svc, auth))
	e.DELETE("/api/columns/:id", deleteColumn(svc, auth))

	e.GET("/api/projects/:id/board", getBoard(svc, auth))
	e.GET("/api/projects/:id/messages", getMessages(svc, auth))
	e.POST("/api/projects/:id/messages", postMessage(svc, auth))

	if hub != nil {
		e.GET("/ws", hub.Handle)
	}
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		//TODO: implement healthcheck
		return c.NoContent(http.StatusOK)
	}
}

// originFromRequest builds the mutation origin for a plain HTTP request: the
// optional Idempotency-Key header and no session, so the actor receives the
// room broadcast like everyone else.
func originFromRequest(c echo.Context) board.Origin {
	return board.Origin{EventID: strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, mutationBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondServiceError maps the mutation engine's error taxonomy onto HTTP.
// A duplicate is not an error to the client: its original send was applied.
func respondServiceError(c echo.Context, err error) error {
	var conflict domain.ConflictError
	var bad domain.BadRequestError
	switch {
	case errors.As(err, &conflict):
		return c.JSON(http.StatusConflict, conflict)
	case errors.As(err, &bad):
		return c.String(http.StatusBadRequest, bad.Reason)
	case errors.Is(err, domain.ErrDuplicate):
		return c.JSON(http.StatusOK, duplicateResponse{Duplicate: true})
	case errors.Is(err, domain.ErrNotFound):
		return c.String(http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		return c.String(http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrGone):
		return c.String(http.StatusGone, "gone")
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, "internal error")
	}
}

func stageForServiceError(err error) string {
	var conflict domain.ConflictError
	var bad domain.BadRequestError
	switch {
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &bad):
		return "bad_request"
	case errors.Is(err, domain.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	default:
		return "storage"
	}
}

func createCard(svc Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, logger, "/api/cards", "card.create")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var req createCardRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		card, svcErr := svc.CreateCard(ctx, userID, board.CreateCardInput{
			ProjectID:   req.ProjectID,
			ColumnID:    req.ColumnID,
			Title:       req.Title,
			Description: req.Description,
			Labels:      req.Labels,
			Assignees:   req.Assignees,
			Priority:    req.Priority,
			DueDate:     req.DueDate,
			Position:    req.Position,
		}, originFromRequest(c))
		metrics.ObserveApply(time.Since(applyStart))
		if svcErr != nil {
			if errors.Is(svcErr, domain.ErrDuplicate) {
				metrics.SetDuplicate()
			}
			metrics.SetErrorStage(stageForServiceError(svcErr))
			err = respondServiceError(c, svcErr)
			return err
		}

		err = c.JSON(http.StatusCreated, card)
		return err
	}
}

func updateCard(svc Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, logger, "/api/cards/:id", "card.update")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var req updateCardRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		card, svcErr := svc.UpdateCard(ctx, userID, c.Param("id"), req.CardPatch, req.ClientVersion, originFromRequest(c))
		metrics.ObserveApply(time.Since(applyStart))
		if svcErr != nil {
			var conflict domain.ConflictError
			if errors.As(svcErr, &conflict) {
				metrics.SetConflict()
			}
			if errors.Is(svcErr, domain.ErrDuplicate) {
				metrics.SetDuplicate()
			}
			metrics.SetErrorStage(stageForServiceError(svcErr))
			err = respondServiceError(c, svcErr)
			return err
		}

		err = c.JSON(http.StatusOK, card)
		return err
	}
}

func moveCard(svc Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, logger, "/api/cards/:id/move", "card.move")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var req moveCardRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}

		applyStart := time.Now()
		card, svcErr := svc.MoveCard(ctx, userID, c.Param("id"), req.FromColumnID, req.ToColumnID, req.Position, req.ClientVersion, originFromRequest(c))
		metrics.ObserveApply(time.Since(applyStart))
		if svcErr != nil {
			var conflict domain.ConflictError
			if errors.As(svcErr, &conflict) {
				metrics.SetConflict()
			}
			if errors.Is(svcErr, domain.ErrDuplicate) {
				metrics.SetDuplicate()
			}
			metrics.SetErrorStage(stageForServiceError(svcErr))
			err = respondServiceError(c, svcErr)
			return err
		}

		err = c.JSON(http.StatusOK, card)
		return err
	}
}

func deleteCard(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := svc.DeleteCard(ctx, userID, c.Param("id"), originFromRequest(c)); err != nil {
			return respondServiceError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func createColumn(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createColumnRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		col, err := svc.CreateColumn(ctx, userID, req.BoardID, req.Name, req.Order, originFromRequest(c))
		if err != nil {
			return respondServiceError(c, err)
		}
		return c.JSON(http.StatusCreated, col)
	}
}

func updateColumn(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req updateColumnRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		col, err := svc.UpdateColumn(ctx, userID, c.Param("id"), req.Name, req.Order, originFromRequest(c))
		if err != nil {
			return respondServiceError(c, err)
		}
		return c.JSON(http.StatusOK, col)
	}
}

func deleteColumn(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := svc.DeleteColumn(ctx, userID, c.Param("id"), originFromRequest(c)); err != nil {
			return respondServiceError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getBoard(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		snap, err := svc.BoardSnapshot(ctx, userID, c.Param("id"))
		if err != nil {
			return respondServiceError(c, err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func getMessages(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var before time.Time
		if raw := strings.TrimSpace(c.QueryParam("before")); raw != "" {
			before, err = time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return c.String(http.StatusBadRequest, "invalid before cursor")
			}
		}
		limit := 0
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
		}

		msgs, err := svc.ListMessages(ctx, userID, c.Param("id"), before, limit)
		if err != nil {
			return respondServiceError(c, err)
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return c.JSON(http.StatusOK, messagesResponse{Messages: msgs})
	}
}

func postMessage(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req postMessageRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		msg, err := svc.PostMessage(ctx, userID, c.Param("id"), req.Text, originFromRequest(c))
		if err != nil {
			return respondServiceError(c, err)
		}
		return c.JSON(http.StatusCreated, msg)
	}
}
