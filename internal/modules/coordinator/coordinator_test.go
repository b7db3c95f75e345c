// README: Coordinator tests over the Redis feed on miniredis and an in-memory gateway.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/order"
	"robotaxi/internal/modules/session"
)

type memGateway struct {
	mu       sync.Mutex
	nextID   map[order.Role]order.ID
	trips    []order.TripWaypoints
	vehicles []order.VehicleRef
	cancels  map[order.Role]int
	active   map[order.Role]*order.Detail
	fetchErr map[order.Role]error

	// fetchDelay holds FetchActiveOrder for a role until it elapses or ctx ends.
	fetchDelay map[order.Role]time.Duration
}

func newMemGateway() *memGateway {
	return &memGateway{
		nextID:     map[order.Role]order.ID{order.RoleRider: "order-42", order.RoleDriver: "order-7"},
		cancels:    map[order.Role]int{},
		active:     map[order.Role]*order.Detail{},
		fetchErr:   map[order.Role]error{},
		fetchDelay: map[order.Role]time.Duration{},
	}
}

func (g *memGateway) CreateRiderOrder(_ context.Context, trip order.TripWaypoints) (order.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trips = append(g.trips, trip)
	return g.nextID[order.RoleRider], nil
}

func (g *memGateway) CreateDriverOrder(_ context.Context, vehicle order.VehicleRef, _ string) (order.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vehicles = append(g.vehicles, vehicle)
	return g.nextID[order.RoleDriver], nil
}

func (g *memGateway) Cancel(_ context.Context, role order.Role, _ order.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels[role]++
	return nil
}

func (g *memGateway) Complete(context.Context, order.Role, order.ID) error { return nil }

func (g *memGateway) MarkArrived(context.Context, order.ID) error { return nil }

func (g *memGateway) FetchActiveOrder(ctx context.Context, role order.Role) (*order.Detail, error) {
	g.mu.Lock()
	delay := g.fetchDelay[role]
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fetchErr[role]; err != nil {
		return nil, err
	}
	return g.active[role], nil
}

func (g *memGateway) cancelCount(role order.Role) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancels[role]
}

func setup(t *testing.T, opts Options) (*Coordinator, *memGateway, *feed.RedisFeed) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gw := newMemGateway()
	f := feed.NewRedisFeed(rdb)
	opts.Gateway = gw
	opts.Feed = f
	if opts.MatchTimeout == 0 {
		opts.MatchTimeout = time.Second
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, gw, f
}

func waitNotice(t *testing.T, ch <-chan session.Notice, msg string) session.Notice {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			require.True(t, ok, "notice stream closed before %q", msg)
			if n.Message == msg {
				return n
			}
		case <-deadline:
			t.Fatalf("no notice %q", msg)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Gateway: newMemGateway(), Feed: feed.NewRedisFeed(redis.NewClient(&redis.Options{}))})
	assert.Error(t, err, "no role enabled")
}

func TestCoordinator_RiderScenario(t *testing.T) {
	c, gw, f := setup(t, Options{
		RiderEnabled: true,
		RiderTrip:    order.TripWaypoints{From: "1", To: "3", MapID: "2020120314"},
	})
	ctx := context.Background()
	notices := c.Watch(ctx)

	require.NoError(t, f.PublishMatch(ctx, "order-42", "veh-7"))
	id, err := c.CreateRiderOrder(ctx, order.TripWaypoints{})
	require.NoError(t, err)
	assert.Equal(t, order.ID("order-42"), id)
	assert.Equal(t, []order.TripWaypoints{{From: "1", To: "3", MapID: "2020120314"}}, gw.trips, "defaults fill blank trip")

	n := waitNotice(t, notices, "order confirmed")
	assert.Equal(t, order.RoleRider, n.Role)
	assert.Equal(t, order.ID("order-42"), n.OrderID)

	st, err := c.CurrentState(order.RoleRider)
	require.NoError(t, err)
	assert.Equal(t, order.VehicleRef("veh-7"), st.Vehicle)

	require.NoError(t, f.Publish(ctx, order.RoleRider, "order-42", order.RiderUserPickUp))
	waitNotice(t, notices, "passenger picked up")
	require.NoError(t, f.Publish(ctx, order.RoleRider, "order-42", order.RiderAutoComplete))
	n = waitNotice(t, notices, "auto-completed")
	assert.Equal(t, session.LevelInfo, n.Level)

	st, _ = c.CurrentState(order.RoleRider)
	assert.Equal(t, order.PhaseIdle, st.Phase)
	assert.Zero(t, gw.cancelCount(order.RoleRider))
}

func TestCoordinator_RiderMatchTimeout(t *testing.T) {
	c, gw, _ := setup(t, Options{RiderEnabled: true, MatchTimeout: time.Second})

	_, err := c.CreateRiderOrder(context.Background(), order.TripWaypoints{From: "a", To: "b", MapID: "m"})
	assert.ErrorIs(t, err, session.ErrMatchTimeout)
	assert.Equal(t, 1, gw.cancelCount(order.RoleRider))
}

func TestCoordinator_DriverEmptyResult(t *testing.T) {
	c, gw, _ := setup(t, Options{DriverEnabled: true, DriverVehicle: "e100.carxm.sim", DriverMapID: "20190911"})
	gw.nextID[order.RoleDriver] = ""

	_, err := c.CreateDriverOrder(context.Background(), "", "")
	assert.ErrorIs(t, err, order.ErrEmptyResult)
	assert.Equal(t, []order.VehicleRef{"e100.carxm.sim"}, gw.vehicles)

	st, err := c.CurrentState(order.RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, order.PhaseIdle, st.Phase)
}

func TestCoordinator_DriverEvents(t *testing.T) {
	c, gw, f := setup(t, Options{DriverEnabled: true})
	ctx := context.Background()
	notices := c.Watch(ctx)
	gw.active[order.RoleDriver] = &order.Detail{OrderID: "order-7", UserID: "u-1"}

	_, err := c.CreateDriverOrder(ctx, "veh-1", "20190911")
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, order.RoleDriver, "order-7", order.DriverUserOrderConfirmed))
	waitNotice(t, notices, "order received")

	require.Eventually(t, func() bool {
		st, _ := c.CurrentState(order.RoleDriver)
		return st.Detail != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.ArrivedPickUp(ctx))
	waitNotice(t, notices, "arrived at pick-up point")

	require.NoError(t, f.Publish(ctx, order.RoleDriver, "order-7", order.DriverUserOrderCanceled))
	waitNotice(t, notices, "order cancelled by passenger")
}

func TestCoordinator_DisabledRole(t *testing.T) {
	c, _, _ := setup(t, Options{RiderEnabled: true})
	ctx := context.Background()

	_, err := c.CreateDriverOrder(ctx, "v", "m")
	assert.ErrorIs(t, err, ErrRoleDisabled)
	assert.ErrorIs(t, c.CancelOrder(ctx, order.RoleDriver), ErrRoleDisabled)
	assert.ErrorIs(t, c.CompleteOrder(ctx, order.RoleDriver), ErrRoleDisabled)
	assert.ErrorIs(t, c.ArrivedPickUp(ctx), ErrRoleDisabled)
	_, err = c.CurrentState(order.RoleDriver)
	assert.ErrorIs(t, err, ErrRoleDisabled)
	assert.True(t, c.Enabled(order.RoleRider))
	assert.False(t, c.Enabled(order.RoleDriver))

	assert.NoError(t, c.CancelOrder(ctx, order.RoleRider), "no order means no-op")
}

func TestCoordinator_StartRecoversBothRoles(t *testing.T) {
	c, gw, _ := setup(t, Options{RiderEnabled: true, DriverEnabled: true})
	gw.active[order.RoleRider] = &order.Detail{OrderID: "order-1", VehicleID: "veh-1"}
	gw.active[order.RoleDriver] = &order.Detail{OrderID: "order-2", UserID: "u-2"}

	require.NoError(t, c.Start(context.Background()))

	rider, _ := c.CurrentState(order.RoleRider)
	driver, _ := c.CurrentState(order.RoleDriver)
	assert.Equal(t, order.PhaseConfirmed, rider.Phase)
	assert.Equal(t, order.ID("order-1"), rider.OrderID)
	assert.Equal(t, order.PhaseInProgress, driver.Phase)
}

func TestCoordinator_StartReportsFailure(t *testing.T) {
	c, gw, _ := setup(t, Options{RiderEnabled: true, DriverEnabled: true})
	gw.fetchErr[order.RoleRider] = errors.New("rider backend down")
	gw.fetchErr[order.RoleDriver] = errors.New("driver backend down")

	err := c.Start(context.Background())
	assert.ErrorContains(t, err, "recover rider order: rider backend down")
	assert.ErrorContains(t, err, "recover driver order: driver backend down")
}

func TestCoordinator_StartRecoversEachRoleIndependently(t *testing.T) {
	c, gw, _ := setup(t, Options{RiderEnabled: true, DriverEnabled: true})
	gw.fetchErr[order.RoleRider] = errors.New("rider backend 500")
	gw.fetchDelay[order.RoleDriver] = 100 * time.Millisecond
	gw.active[order.RoleDriver] = &order.Detail{OrderID: "drv-1", VehicleID: "veh-1"}

	err := c.Start(context.Background())
	assert.ErrorContains(t, err, "rider backend 500")
	assert.NotContains(t, err.Error(), "driver")

	driver, err := c.CurrentState(order.RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, order.ID("drv-1"), driver.OrderID, "driver order survives a rider failure")
	assert.Equal(t, order.PhaseCreated, driver.Phase)

	rider, _ := c.CurrentState(order.RoleRider)
	assert.Equal(t, order.PhaseIdle, rider.Phase)
}

func TestCoordinator_WatchEndsWithContextAndClose(t *testing.T) {
	c, _, _ := setup(t, Options{RiderEnabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	first := c.Watch(ctx)
	second := c.Watch(context.Background())
	cancel()

	select {
	case _, ok := <-first:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch did not end with its context")
	}

	c.Close()
	_, ok := <-second
	assert.False(t, ok)

	_, ok = <-c.Watch(context.Background())
	assert.False(t, ok, "watching a closed coordinator yields a closed stream")
}

func TestCoordinator_SlowWatcherDoesNotBlock(t *testing.T) {
	c, _, _ := setup(t, Options{RiderEnabled: true})
	_ = c.Watch(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < noticeBuffer*2; i++ {
			c.broadcast(session.Notice{Role: order.RoleRider, Message: "tick"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full watcher")
	}
}
