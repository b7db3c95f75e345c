// README: Driver handlers (create order, arrived at pick-up).
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"robotaxi/internal/modules/order"
)

type DriverHandler struct {
	coord Coordinator
}

func NewDriverHandler(coord Coordinator) *DriverHandler {
	return &DriverHandler{coord: coord}
}

type createDriverOrderReq struct {
	Vehicle string `json:"vehicle"`
	MapID   string `json:"map_id"`
}

func (h *DriverHandler) Create(c *gin.Context) {
	var req createDriverOrderReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.coord.CreateDriverOrder(c.Request.Context(), order.VehicleRef(req.Vehicle), req.MapID)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	st, _ := h.coord.CurrentState(order.RoleDriver)
	writeJSON(c, http.StatusCreated, map[string]any{"order_id": id, "state": newStateView(st)})
}

func (h *DriverHandler) ArrivedPickUp(c *gin.Context) {
	if err := h.coord.ArrivedPickUp(c.Request.Context()); err != nil {
		writeSessionError(c, err)
		return
	}
	st, _ := h.coord.CurrentState(order.RoleDriver)
	writeJSON(c, http.StatusOK, newStateView(st))
}
