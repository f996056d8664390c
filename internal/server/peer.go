package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/neominik/write-collab/internal/collab"
	"github.com/neominik/write-collab/internal/documents"
	"go.uber.org/zap"
)

const (
	peerWriteWait      = 10 * time.Second
	peerPongWait       = 60 * time.Second
	peerPingPeriod     = (peerPongWait * 9) / 10
	peerMaxMessageSize = maxUpdateBytes

	peerDirectionIn  = "in"
	peerDirectionOut = "out"
)

var peerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer for browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSync attaches a websocket client as a replication peer. Every binary frame is
// one sync message in either direction.
func (h *httpHandler) handleSync(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session, err := h.manager.Acquire(ctx, documentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer h.release(ctx, documentID)

	conn, err := peerUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}
	defer conn.Close()

	peer := session.Join()
	h.logger.Debug("sync peer attached",
		zap.String("document_id", documentID.String()),
		zap.Int("peers", session.PeerCount()))
	defer func() {
		session.Leave(peer)
		h.logger.Debug("sync peer detached",
			zap.String("document_id", documentID.String()),
			zap.Int("peers", session.PeerCount()))
	}()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		defer cancel()
		defer conn.Close()
		h.writePeer(ctx, conn, session, peer)
	}()

	h.readPeer(ctx, conn, session, peer, documentID)
	cancel()
	writers.Wait()
}

func (h *httpHandler) readPeer(ctx context.Context, conn *websocket.Conn, session *collab.Session, peer *collab.Peer, documentID documents.DocumentID) {
	conn.SetReadLimit(peerMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(peerPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(peerPongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("peer connection closed",
					zap.String("document_id", documentID.String()),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		h.metrics.PeerMessage(peerDirectionIn)
		if err := session.ReceiveSyncMessage(ctx, peer, message); err != nil {
			h.logger.Warn("rejecting peer sync message",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
			closing := websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid sync message")
			_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(peerWriteWait))
			return
		}
	}
}

func (h *httpHandler) writePeer(ctx context.Context, conn *websocket.Conn, session *collab.Session, peer *collab.Peer) {
	ticker := time.NewTicker(peerPingPeriod)
	defer ticker.Stop()

	for {
		for {
			message, pending := session.NextSyncMessage(peer)
			if !pending {
				break
			}
			_ = conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
			h.metrics.PeerMessage(peerDirectionOut)
		}

		select {
		case <-ctx.Done():
			return
		case <-peer.Wake():
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
