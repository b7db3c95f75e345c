// README: Role-generic order handlers (state, cancel, complete).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"robotaxi/internal/modules/order"
)

// OrderHandler serves the intents both roles share. Each instance is bound
// to one role.
type OrderHandler struct {
	coord Coordinator
	role  order.Role
}

func NewOrderHandler(coord Coordinator, role order.Role) *OrderHandler {
	return &OrderHandler{coord: coord, role: role}
}

type detailView struct {
	OrderID   order.ID         `json:"order_id"`
	VehicleID order.VehicleRef `json:"vehicle_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	UserPhone string           `json:"user_phone,omitempty"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	MapID     string           `json:"map_id,omitempty"`
	Status    string           `json:"status,omitempty"`
}

type stateView struct {
	Role      order.Role       `json:"role"`
	OrderID   order.ID         `json:"order_id"`
	Vehicle   order.VehicleRef `json:"vehicle,omitempty"`
	Phase     order.Phase      `json:"phase"`
	LastEvent string           `json:"last_event"`
	Matching  bool             `json:"matching"`
	Busy      bool             `json:"busy"`
	Detail    *detailView      `json:"detail,omitempty"`
	Actions   order.Actions    `json:"actions"`
}

func newStateView(st order.State) stateView {
	v := stateView{
		Role:      st.Role,
		OrderID:   st.OrderID,
		Vehicle:   st.Vehicle,
		Phase:     st.Phase,
		LastEvent: order.CodeName(st.Role, st.LastEvent),
		Matching:  st.Matching,
		Busy:      st.Busy,
		Actions:   st.Actions(),
	}
	if d := st.Detail; d != nil {
		v.Detail = &detailView{
			OrderID:   d.OrderID,
			VehicleID: d.VehicleID,
			UserID:    d.UserID,
			UserPhone: d.UserPhone,
			From:      d.Trip.From,
			To:        d.Trip.To,
			MapID:     d.Trip.MapID,
			Status:    d.Status,
		}
	}
	return v
}

func (h *OrderHandler) State(c *gin.Context) {
	st, err := h.coord.CurrentState(h.role)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newStateView(st))
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	if err := h.coord.CancelOrder(c.Request.Context(), h.role); err != nil {
		writeSessionError(c, err)
		return
	}
	h.State(c)
}

func (h *OrderHandler) Complete(c *gin.Context) {
	if err := h.coord.CompleteOrder(c.Request.Context(), h.role); err != nil {
		writeSessionError(c, err)
		return
	}
	h.State(c)
}
