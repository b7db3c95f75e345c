// README: Coordinator facade: owns the rider and driver sessions, routes intents, fans out notices.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"robotaxi/internal/log"
	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/gateway"
	"robotaxi/internal/modules/order"
	"robotaxi/internal/modules/session"
)

var ErrRoleDisabled = errors.New("role is not enabled")

// noticeBuffer is how many notices a slow watcher may fall behind before
// further notices to it are dropped.
const noticeBuffer = 32

type Options struct {
	Gateway      gateway.Gateway
	Feed         feed.Feed
	MatchTimeout time.Duration

	RiderEnabled  bool
	DriverEnabled bool

	// Defaults fill blank fields of create intents.
	RiderTrip     order.TripWaypoints
	DriverVehicle order.VehicleRef
	DriverMapID   string
}

// Coordinator is the only mutation path into the sessions.
type Coordinator struct {
	rider  *session.RiderSession
	driver *session.DriverSession
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	watchers map[int]chan session.Notice
	nextID   int
	closed   bool
	done     chan struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.Gateway == nil || opts.Feed == nil {
		return nil, fmt.Errorf("coordinator: gateway and feed are required")
	}
	if !opts.RiderEnabled && !opts.DriverEnabled {
		return nil, fmt.Errorf("coordinator: no role enabled")
	}
	c := &Coordinator{
		opts:     opts,
		log:      log.WithComponent("coordinator"),
		watchers: make(map[int]chan session.Notice),
		done:     make(chan struct{}),
	}
	cfg := session.Config{
		Gateway:      opts.Gateway,
		Feed:         opts.Feed,
		Notify:       c.broadcast,
		MatchTimeout: opts.MatchTimeout,
	}
	if opts.RiderEnabled {
		c.rider = session.NewRider(cfg)
	}
	if opts.DriverEnabled {
		c.driver = session.NewDriver(cfg)
	}
	return c, nil
}

// Start resumes any order the backend still has in service, both roles
// concurrently. A failure for one role does not stop the other; every
// failure is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	var (
		g                   errgroup.Group
		riderErr, driverErr error
	)
	if c.rider != nil {
		g.Go(func() error {
			id, err := c.rider.RecoverActiveOrder(ctx)
			if err != nil {
				riderErr = fmt.Errorf("recover rider order: %w", err)
				return riderErr
			}
			c.logRecovered(order.RoleRider, id)
			return nil
		})
	}
	if c.driver != nil {
		g.Go(func() error {
			id, err := c.driver.RecoverActiveOrder(ctx)
			if err != nil {
				driverErr = fmt.Errorf("recover driver order: %w", err)
				return driverErr
			}
			c.logRecovered(order.RoleDriver, id)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(riderErr, driverErr)
}

func (c *Coordinator) logRecovered(role order.Role, id order.ID) {
	if id == "" {
		return
	}
	c.log.Info().Str(log.FieldRole, string(role)).Str(log.FieldOrderID, string(id)).Msg("resumed active order")
}

func (c *Coordinator) CreateRiderOrder(ctx context.Context, trip order.TripWaypoints) (order.ID, error) {
	if c.rider == nil {
		return "", ErrRoleDisabled
	}
	def := c.opts.RiderTrip
	if trip.From == "" {
		trip.From = def.From
	}
	if trip.To == "" {
		trip.To = def.To
	}
	if trip.MapID == "" {
		trip.MapID = def.MapID
	}
	return c.rider.CreateOrder(ctx, trip)
}

func (c *Coordinator) CreateDriverOrder(ctx context.Context, vehicle order.VehicleRef, mapID string) (order.ID, error) {
	if c.driver == nil {
		return "", ErrRoleDisabled
	}
	if vehicle == "" {
		vehicle = c.opts.DriverVehicle
	}
	if mapID == "" {
		mapID = c.opts.DriverMapID
	}
	return c.driver.CreateOrder(ctx, vehicle, mapID)
}

func (c *Coordinator) CancelOrder(ctx context.Context, role order.Role) error {
	switch {
	case role == order.RoleRider && c.rider != nil:
		return c.rider.CancelOrder(ctx)
	case role == order.RoleDriver && c.driver != nil:
		return c.driver.CancelOrder(ctx)
	}
	return ErrRoleDisabled
}

func (c *Coordinator) CompleteOrder(ctx context.Context, role order.Role) error {
	switch {
	case role == order.RoleRider && c.rider != nil:
		return c.rider.CompleteOrder(ctx)
	case role == order.RoleDriver && c.driver != nil:
		return c.driver.CompleteOrder(ctx)
	}
	return ErrRoleDisabled
}

func (c *Coordinator) ArrivedPickUp(ctx context.Context) error {
	if c.driver == nil {
		return ErrRoleDisabled
	}
	return c.driver.ArrivedPickUp(ctx)
}

func (c *Coordinator) CurrentState(role order.Role) (order.State, error) {
	switch {
	case role == order.RoleRider && c.rider != nil:
		return c.rider.State(), nil
	case role == order.RoleDriver && c.driver != nil:
		return c.driver.State(), nil
	}
	return order.State{}, ErrRoleDisabled
}

// Enabled reports whether role has a session.
func (c *Coordinator) Enabled(role order.Role) bool {
	switch role {
	case order.RoleRider:
		return c.rider != nil
	case order.RoleDriver:
		return c.driver != nil
	}
	return false
}

// Watch streams notices until ctx ends or the coordinator closes. Notices are
// dropped for a watcher whose buffer is full.
func (c *Coordinator) Watch(ctx context.Context) <-chan session.Notice {
	ch := make(chan session.Notice, noticeBuffer)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.unwatch(id)
		case <-c.done:
		}
	}()
	return ch
}

func (c *Coordinator) unwatch(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.watchers[id]; ok {
		delete(c.watchers, id)
		close(ch)
	}
}

func (c *Coordinator) broadcast(n session.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- n:
		default:
			c.log.Warn().Str(log.FieldRole, string(n.Role)).Str("notice", n.Message).Msg("watcher lagging, notice dropped")
		}
	}
}

// Close stops both sessions' subscriptions and ends every Watch stream.
// Orders stay open at the backend.
func (c *Coordinator) Close() {
	if c.rider != nil {
		c.rider.Close()
	}
	if c.driver != nil {
		c.driver.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}
