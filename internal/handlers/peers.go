// Package handlers exposes the local node over HTTP for its operator.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
	"github.com/mossy-p/bubble-mesh/internal/mesh"
	"github.com/mossy-p/bubble-mesh/internal/models"
	"github.com/mossy-p/bubble-mesh/internal/peers"
)

// Node is the part of a running node the control API drives.
type Node interface {
	LocalID() string
	Peers() peers.Snapshot
	SubscribePeers() (<-chan peers.Snapshot, func())
	Messages() mesh.History
	SubscribeMessages() (<-chan mesh.History, func())
	ConnectTo(ctx context.Context, remoteID string) error
	DisconnectFrom(ctx context.Context, remoteID string)
	DisconnectAll(ctx context.Context)
	Send(content []byte, toID string) (models.Message, error)
	Broadcast(content []byte) (models.Message, []string)
}

// MessageRequest is the body of send and broadcast requests.
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// BroadcastResponse reports which peers a broadcast reached.
type BroadcastResponse struct {
	Message   models.Message `json:"message"`
	Delivered []string       `json:"delivered"`
}

// Handler serves the control API of one node.
type Handler struct {
	node   Node
	logger *logrus.Logger
}

func NewHandler(node Node, logger *logrus.Logger) *Handler {
	return &Handler{node: node, logger: logger}
}

// ListPeers returns the current sessions ordered by device id.
func (h *Handler) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"device_id": h.node.LocalID(),
		"peers":     h.node.Peers().Views(),
	})
}

// ListMessages returns the message history keyed by peer.
func (h *Handler) ListMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"messages": h.node.Messages(),
	})
}

// ConnectPeer starts signaling with a device.
func (h *Handler) ConnectPeer(c *gin.Context) {
	deviceID := c.Param("deviceId")
	if err := h.node.ConnectTo(c.Request.Context(), deviceID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"device_id": deviceID})
}

// DisconnectPeer tears down the session to a device.
func (h *Handler) DisconnectPeer(c *gin.Context) {
	h.node.DisconnectFrom(c.Request.Context(), c.Param("deviceId"))
	c.Status(http.StatusNoContent)
}

// DisconnectAll tears down every session and clears the history.
func (h *Handler) DisconnectAll(c *gin.Context) {
	h.node.DisconnectAll(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// SendMessage sends a message to one connected device.
func (h *Handler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.node.Send([]byte(req.Content), c.Param("deviceId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

// BroadcastMessage sends one message to every connected device.
func (h *Handler) BroadcastMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, delivered := h.node.Broadcast([]byte(req.Content))
	if delivered == nil {
		delivered = []string{}
	}
	c.JSON(http.StatusOK, BroadcastResponse{Message: message, Delivered: delivered})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	code := apperrors.GetCode(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).WithError(err).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidSignal:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotConnected:
		return http.StatusConflict
	case apperrors.ErrCodeTransportFailure:
		return http.StatusBadGateway
	case apperrors.ErrCodeStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
