package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/neominik/write-collab/internal/realtime"
	"go.uber.org/zap"
)

const streamBufferSize = 16

func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	sink := realtime.NewChannelSink(streamBufferSize)
	unsubscribe := h.manager.Subscribe(ctx, documentID, sink)
	defer func() {
		unsubscribe()
		sink.Close()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-sink.Events():
			if !open {
				return false
			}
			name, payload, err := realtime.EncodeEvent(event)
			if err != nil {
				h.logger.Error("failed to encode stream event",
					zap.String("document_id", documentID.String()),
					zap.Error(err))
				return true
			}
			c.SSEvent(name, string(payload))
			return true
		}
	})
}
