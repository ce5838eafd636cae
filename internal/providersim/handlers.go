package providersim

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/carechat/internal/domain"
	mw "github.com/nfrund/carechat/internal/middleware"
	"github.com/nfrund/carechat/internal/reconcile"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sendRequest struct {
	SenderID        string `json:"senderId" validate:"required"`
	Body            string `json:"body" validate:"required"`
	ClientMessageID string `json:"clientMessageId"`
}

type participantRequest struct {
	ParticipantID string `json:"participantId" validate:"required"`
}

func (s *Server) createChannel(c echo.Context) error {
	var ch domain.Channel
	if err := bindAndValidate(c, &ch); err != nil {
		return err
	}
	created, err := s.store.CreateChannel(ch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getChannel(c echo.Context) error {
	ch, err := s.store.Channel(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ch)
}

func (s *Server) listMessages(c echo.Context) error {
	msgs, err := s.store.Messages(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) sendMessage(c echo.Context) error {
	var req sendRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	channelID := c.Param("id")

	res, err := s.store.Send(channelID, req.SenderID, req.Body, req.ClientMessageID)
	if err != nil {
		return err
	}
	if res.Replayed {
		return c.JSON(http.StatusOK, res.Message)
	}

	if res.Reopened != nil {
		mw.FromContext(c.Request().Context()).Info("Channel reopened by send", "by", res.Reopened.SenderID)
		s.broadcast(reconcile.ChannelReopened(channelID, res.Reopened.SenderID, res.Reopened.CreatedAt))
	}
	s.broadcast(reconcile.MessageReceived(res.Message))
	return c.JSON(http.StatusCreated, res.Message)
}

func (s *Server) closeChannel(c echo.Context) error {
	var req participantRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	channelID := c.Param("id")

	marker, err := s.store.Close(channelID, req.ParticipantID)
	if err != nil {
		return err
	}
	s.broadcast(reconcile.ChannelClosed(channelID, marker.SenderID, marker.CreatedAt))
	mw.FromContext(c.Request().Context()).Info("Channel closed", "by", marker.SenderID)
	return c.JSON(http.StatusOK, marker)
}

func (s *Server) markRead(c echo.Context) error {
	var req participantRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	channelID := c.Param("id")

	if _, err := s.store.MarkRead(channelID, req.ParticipantID); err != nil {
		return err
	}
	s.broadcast(reconcile.ReadReceipt(channelID, req.ParticipantID))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) typing(c echo.Context) error {
	var req participantRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	channelID := c.Param("id")

	if err := s.store.Member(channelID, req.ParticipantID); err != nil {
		return err
	}
	s.broadcast(reconcile.TypingPing(channelID, req.ParticipantID))
	return c.NoContent(http.StatusNoContent)
}

func bindAndValidate(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if err := c.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}

// errorHandler renders domain errors with the status the client maps back.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	resp := ErrorResponse{Code: "internal", Message: err.Error()}

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		resp.Code = "bad_request"
		if msg, ok := he.Message.(string); ok {
			resp.Message = msg
		}
		if status == http.StatusNotFound {
			resp.Code = "not_found"
		}
	case errors.Is(err, domain.ErrChannelClosed):
		status, resp.Code = http.StatusConflict, "channel_closed"
	case errors.Is(err, ErrChannelExists):
		status, resp.Code = http.StatusConflict, "channel_exists"
	case errors.Is(err, domain.ErrForbidden):
		status, resp.Code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, resp.Code = http.StatusUnprocessableEntity, "invalid_transition"
	}

	logger := mw.FromContext(c.Request().Context())
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	} else {
		logger.Debug("Request rejected", "status", status, "code", resp.Code)
	}
	if err := c.JSON(status, resp); err != nil {
		logger.Error("Failed to write error response", "error", err)
	}
}
