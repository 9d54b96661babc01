package server

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncapi"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const channelWriteTimeout = 5 * time.Second

// handleChannel upgrades to the persistent channel. It forwards data_changed notifications for
// the owner and answers request_pull with pull_ready carrying the same request id.
func (h *httpHandler) handleChannel(c *gin.Context) {
	ownerID, ok := h.ownerFor(c)
	if !ok {
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("channel upgrade failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	logger := h.logger.With(zap.String("owner_id", ownerID.String()))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, unsubscribe := h.realtime.Subscribe(ctx, ownerID)
	defer unsubscribe()

	go func() {
		defer cancel()
		h.readChannel(ctx, conn, logger)
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case message := <-stream:
			notification := syncapi.ChannelMessage{
				Type:            syncapi.MessageDataChanged,
				Kind:            message.Kind.String(),
				RemoteIDs:       message.RemoteIDs,
				UpdatedAtMillis: message.UpdatedAtMillis,
			}
			if err := writeMessage(ctx, conn, notification); err != nil {
				logger.Debug("channel write failed", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, channelWriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Debug("channel heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) readChannel(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) {
	for {
		var message syncapi.ChannelMessage
		if err := wsjson.Read(ctx, conn, &message); err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				logger.Debug("channel read failed", zap.Error(err))
			}
			return
		}
		if message.Type != syncapi.MessageRequestPull {
			logger.Debug("ignoring channel message", zap.String("type", message.Type))
			continue
		}

		reply := syncapi.ChannelMessage{Type: syncapi.MessagePullReady, RequestID: message.RequestID, Kind: message.Kind}
		if _, err := syncable.ParseKind(message.Kind); err != nil {
			reply = syncapi.ChannelMessage{Type: syncapi.MessageError, RequestID: message.RequestID, Error: "unknown_kind"}
		}
		if err := writeMessage(ctx, conn, reply); err != nil {
			logger.Debug("channel reply failed", zap.Error(err))
			return
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, message syncapi.ChannelMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, channelWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, message)
}
