// README: Notice stream handler: pushes session notices to a websocket client.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"robotaxi/internal/log"
	"robotaxi/internal/modules/order"
)

const (
	noticeWriteWait  = 10 * time.Second
	noticePongWait   = 60 * time.Second
	noticePingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type NoticeHandler struct {
	coord Coordinator
}

func NewNoticeHandler(coord Coordinator) *NoticeHandler {
	return &NoticeHandler{coord: coord}
}

// Stream upgrades to a websocket and writes every notice as JSON until the
// client goes away. ?role= narrows the stream to one role.
func (h *NoticeHandler) Stream(c *gin.Context) {
	var role order.Role
	if raw := c.Query("role"); raw != "" {
		r, err := order.ParseRole(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		role = r
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the client
		return
	}
	defer conn.Close()
	logger := log.WithComponent("http.notices")

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	notices := h.coord.Watch(ctx)

	// reader: only to notice the client closing and to handle pongs
	_ = conn.SetReadDeadline(time.Now().Add(noticePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(noticePongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(noticePingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(noticeWriteWait))
				return
			}
			if role != "" && n.Role != role {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(noticeWriteWait))
			if err := conn.WriteJSON(n); err != nil {
				logger.Debug().Err(err).Msg("notice write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(noticeWriteWait)); err != nil {
				return
			}
		}
	}
}
