// README: Rider handlers (create order with the bounded matching wait).
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"robotaxi/internal/modules/order"
)

type RiderHandler struct {
	coord Coordinator
}

func NewRiderHandler(coord Coordinator) *RiderHandler {
	return &RiderHandler{coord: coord}
}

type createRiderOrderReq struct {
	From  string `json:"from"`
	To    string `json:"to"`
	MapID string `json:"map_id"`
}

// Create blocks until the order is matched, times out or is cancelled. An
// empty body books the configured default trip.
func (h *RiderHandler) Create(c *gin.Context) {
	var req createRiderOrderReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.coord.CreateRiderOrder(c.Request.Context(), order.TripWaypoints{
		From:  req.From,
		To:    req.To,
		MapID: req.MapID,
	})
	if err != nil {
		writeSessionError(c, err)
		return
	}
	st, _ := h.coord.CurrentState(order.RoleRider)
	writeJSON(c, http.StatusCreated, map[string]any{"order_id": id, "state": newStateView(st)})
}
