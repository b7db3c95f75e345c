// README: Base handler utilities (coordinator contract, JSON helpers, error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"robotaxi/internal/log"
	"robotaxi/internal/modules/coordinator"
	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/gateway"
	"robotaxi/internal/modules/order"
	"robotaxi/internal/modules/session"
)

// Coordinator is what the API needs from coordinator.Coordinator.
type Coordinator interface {
	CreateRiderOrder(ctx context.Context, trip order.TripWaypoints) (order.ID, error)
	CreateDriverOrder(ctx context.Context, vehicle order.VehicleRef, mapID string) (order.ID, error)
	CancelOrder(ctx context.Context, role order.Role) error
	CompleteOrder(ctx context.Context, role order.Role) error
	ArrivedPickUp(ctx context.Context) error
	CurrentState(role order.Role) (order.State, error)
	Watch(ctx context.Context) <-chan session.Notice
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeSessionError(c *gin.Context, err error) {
	var gerr *gateway.Error
	switch {
	case errors.Is(err, order.ErrBadTrip):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrRoleDisabled), errors.Is(err, gateway.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrOrderActive), errors.Is(err, gateway.ErrInvalidState):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrMatchTimeout):
		writeError(c, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, order.ErrEmptyResult), errors.As(err, &gerr):
		writeError(c, http.StatusBadGateway, err.Error())
	case isFeedFault(err):
		writeError(c, http.StatusBadGateway, err.Error())
	default:
		log.WithComponent("http").Error().Err(err).Str(log.FieldPath, c.FullPath()).Msg("unmapped error")
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func isFeedFault(err error) bool {
	var f *feed.Fault
	return errors.As(err, &f)
}
