package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/hub"
	"github.com/weiawesome/wes-io-live/cohost/internal/service"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler handles relay WebSocket connections.
type WSHandler struct {
	hub     *hub.Hub
	service service.RelayService
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(h *hub.Hub, svc service.RelayService) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
	}
}

// HandleWebSocket handles WebSocket upgrade and frame routing.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := pkglog.L()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	client.SetDisconnectHandler(func(c *hub.Client) {
		if err := h.service.HandleDisconnect(h.clientCtx(c), c); err != nil {
			l.Error().Err(err).Str(pkglog.FieldClientID, c.ID).Msg("disconnect handler error")
		}
	})

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

func (h *WSHandler) clientCtx(c *hub.Client) context.Context {
	return pkglog.WithStr(context.Background(), pkglog.FieldClientID, c.ID)
}

func (h *WSHandler) handleMessage(client *hub.Client, message []byte) {
	ctx := h.clientCtx(client)
	l := pkglog.Ctx(ctx)

	var base domain.BaseFrame
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid frame format"))
		return
	}

	switch base.Type {
	case domain.FrameAuth:
		var f domain.AuthFrame
		if err := json.Unmarshal(message, &f); err != nil {
			client.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid auth frame"))
			return
		}
		if err := h.service.HandleAuth(ctx, client, f.Token); err != nil {
			l.Warn().Err(err).Msg("auth failed")
		}

	case domain.FrameSubscribe, domain.FrameUnsubscribe:
		var f domain.TopicFrame
		if err := json.Unmarshal(message, &f); err != nil || f.Topic == "" {
			client.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid "+base.Type+" frame"))
			return
		}
		if base.Type == domain.FrameSubscribe {
			if err := h.service.HandleSubscribe(ctx, client, f.Topic); err != nil {
				l.Warn().Err(err).Str(pkglog.FieldTopic, f.Topic).Msg("subscribe failed")
			}
			return
		}
		if err := h.service.HandleUnsubscribe(ctx, client, f.Topic); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldTopic, f.Topic).Msg("unsubscribe failed")
		}

	case domain.FrameSend:
		var f domain.SendFrame
		if err := json.Unmarshal(message, &f); err != nil {
			client.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid send frame"))
			return
		}
		if err := h.service.HandleSend(ctx, client, f.Destination, f.Event); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldTopic, f.Destination).Msg("send failed")
		}

	case domain.FramePing:
		client.SendMessage(&domain.BaseFrame{Type: domain.FramePong})

	default:
		client.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, "unknown frame type"))
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
}
