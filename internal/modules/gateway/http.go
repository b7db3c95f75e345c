// README: OrderGateway over the remote order backend's JSON HTTP API, traced with otelhttp.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"robotaxi/internal/log"
	"robotaxi/internal/metrics"
	"robotaxi/internal/modules/order"
)

const scopeName = "robotaxi/internal/modules/gateway"

var tracer = otel.Tracer(scopeName)

// UserHeader carries the caller's identity to the backend.
const UserHeader = "X-Robotaxi-User"

type HTTPOptions struct {
	BaseURL  string
	Timeout  time.Duration
	RiderID  string
	DriverID string
	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

type HTTPClient struct {
	base     string
	client   *http.Client
	riderID  string
	driverID string
	log      zerolog.Logger
}

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &HTTPClient{
		base: strings.TrimRight(opts.BaseURL, "/"),
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: otelhttp.NewTransport(rt,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return operation + " " + r.URL.Path
				}),
			),
		},
		riderID:  opts.RiderID,
		driverID: opts.DriverID,
		log:      log.WithComponent("gateway.http"),
	}
}

// Wire shapes of the backend API.
type (
	createRiderRequest struct {
		From  string `json:"from"`
		To    string `json:"to"`
		MapID string `json:"map_id"`
	}
	createDriverRequest struct {
		Vehicle string `json:"vehicle"`
		MapID   string `json:"map_id"`
	}
	createResponse struct {
		OrderID string `json:"order_id"`
	}
	detailResponse struct {
		OrderID   string `json:"order_id"`
		VehicleID string `json:"vehicle_id"`
		UserID    string `json:"user_id"`
		UserPhone string `json:"user_phone"`
		From      string `json:"from"`
		To        string `json:"to"`
		MapID     string `json:"map_id"`
		Status    string `json:"status"`
	}
	errorResponse struct {
		Error string `json:"error"`
	}
)

func (c *HTTPClient) CreateRiderOrder(ctx context.Context, trip order.TripWaypoints) (order.ID, error) {
	var out createResponse
	err := c.call(ctx, OpCreateRider, order.RoleRider, http.MethodPost, "/v1/rider/orders",
		createRiderRequest{From: trip.From, To: trip.To, MapID: trip.MapID}, &out)
	return order.ID(out.OrderID), err
}

func (c *HTTPClient) CreateDriverOrder(ctx context.Context, vehicle order.VehicleRef, mapID string) (order.ID, error) {
	var out createResponse
	err := c.call(ctx, OpCreateDriver, order.RoleDriver, http.MethodPost, "/v1/driver/orders",
		createDriverRequest{Vehicle: string(vehicle), MapID: mapID}, &out)
	return order.ID(out.OrderID), err
}

func (c *HTTPClient) Cancel(ctx context.Context, role order.Role, id order.ID) error {
	return c.call(ctx, OpCancel, role, http.MethodPost, orderPath(role, id, "cancel"), nil, nil)
}

func (c *HTTPClient) Complete(ctx context.Context, role order.Role, id order.ID) error {
	return c.call(ctx, OpComplete, role, http.MethodPost, orderPath(role, id, "complete"), nil, nil)
}

func (c *HTTPClient) MarkArrived(ctx context.Context, id order.ID) error {
	return c.call(ctx, OpMarkArrived, order.RoleDriver, http.MethodPost, orderPath(order.RoleDriver, id, "arrived"), nil, nil)
}

func (c *HTTPClient) FetchActiveOrder(ctx context.Context, role order.Role) (*order.Detail, error) {
	var out *detailResponse
	if err := c.call(ctx, OpFetchActive, role, http.MethodGet, "/v1/"+string(role)+"/orders/active", nil, &out); err != nil {
		return nil, err
	}
	if out == nil || out.OrderID == "" {
		return nil, nil
	}
	return &order.Detail{
		OrderID:   order.ID(out.OrderID),
		VehicleID: order.VehicleRef(out.VehicleID),
		UserID:    out.UserID,
		UserPhone: out.UserPhone,
		Trip:      order.TripWaypoints{From: out.From, To: out.To, MapID: out.MapID},
		Status:    out.Status,
	}, nil
}

// call performs one JSON round trip. A 204 leaves out untouched.
func (c *HTTPClient) call(ctx context.Context, op string, role order.Role, method, path string, in, out any) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "gateway "+op)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.log.Warn().Err(err).Str(log.FieldOp, op).Str(log.FieldRole, string(role)).Msg("gateway call failed")
		}
		metrics.ObserveGatewayCall(op, start, err)
		span.End()
	}()
	span.SetAttributes(attribute.String("gateway.op", op), attribute.String("order.role", string(role)))

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if user := c.identity(role); user != "" {
		req.Header.Set(UserHeader, user)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Op: op, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

func (c *HTTPClient) identity(role order.Role) string {
	if role == order.RoleDriver {
		return c.driverID
	}
	return c.riderID
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	gerr := &Error{Op: op, Status: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusNotFound:
		gerr.Err = ErrNotFound
	case http.StatusConflict:
		gerr.Err = ErrInvalidState
	default:
		gerr.Err = fmt.Errorf("unexpected status %s", resp.Status)
	}
	return gerr
}

func orderPath(role order.Role, id order.ID, action string) string {
	return "/v1/" + string(role) + "/orders/" + url.PathEscape(string(id)) + "/" + action
}

var _ Gateway = (*HTTPClient)(nil)
