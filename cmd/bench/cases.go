// README: Scenario cases; drives the API over HTTP and publishes feed events and match results through Redis.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/gateway"
	"robotaxi/internal/modules/order"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	feed  *feed.RedisFeed
	store *gateway.PGStore
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: time.Minute},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			r.store = gateway.NewPGStore(db, "", "")
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		r.feed = feed.NewRedisFeed(r.redis)
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		start := time.Now()
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		if res.Latency == 0 {
			res.Latency = time.Since(start).Round(time.Millisecond)
		}
		results = append(results, res)
		fmt.Printf("%-5s %s (%s)", res.Status, tc.Name, res.Latency)
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: API health", Run: func(ctx context.Context, r *Runner) Result {
			status, _, err := r.call(ctx, http.MethodGet, "/health", nil)
			return expectStatus(status, err, http.StatusOK)
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return fail("redis not configured")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return fail(err.Error())
			}
			return pass("")
		}},
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return skip("no -dsn; driver detail checks are skipped")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return fail(err.Error())
			}
			return pass("")
		}},
		{Name: "Rider: matched trip runs to auto-complete", Run: riderHappyPath},
		{Name: "Rider: cancel during matching aborts the wait", Run: riderCancelDuringMatch},
		{Name: "Rider: concurrent creates are rejected while busy", Run: riderBusyGuard},
		{Name: "Rider: match timeout cancels the order", Run: riderMatchTimeout},
		{Name: "Driver: confirmed order runs to completion", Run: driverLifecycle},
		{Name: "Driver: unrecognized code auto-cancels", Run: driverUnknownCode},
		{Name: "Load: state reads", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, "/api/rider/state")
		}},
	}
}

type stateResp struct {
	OrderID   order.ID    `json:"order_id"`
	Phase     order.Phase `json:"phase"`
	LastEvent string      `json:"last_event"`
	Matching  bool        `json:"matching"`
	Detail    *struct {
		UserID string `json:"user_id"`
	} `json:"detail"`
}

type createResp struct {
	status  int
	orderID order.ID
	err     error
}

func riderHappyPath(ctx context.Context, r *Runner) Result {
	if r.feed == nil {
		return fail("redis not configured")
	}
	r.reset(ctx)
	created := r.createAsync(ctx, order.RoleRider, nil)

	st, err := r.waitState(ctx, order.RoleRider, func(s stateResp) bool { return s.Matching && s.OrderID != "" })
	if err != nil {
		return fail("never entered matching: " + err.Error())
	}
	if err := r.feed.PublishMatch(ctx, st.OrderID, order.VehicleRef(r.cfg.Vehicle)); err != nil {
		return fail(err.Error())
	}
	res := <-created
	if res.err != nil || res.status != http.StatusCreated {
		return fail(fmt.Sprintf("create status=%d err=%v", res.status, res.err))
	}

	steps := []struct {
		code order.EventCode
		done func(stateResp) bool
	}{
		{order.RiderArrivedPickUp, func(s stateResp) bool { return s.Phase == order.PhaseEnRoutePickUp }},
		{order.RiderUserPickUp, func(s stateResp) bool { return s.Phase == order.PhaseEnRouteDropOff }},
		{order.RiderAutoComplete, func(s stateResp) bool { return s.OrderID == "" }},
	}
	for _, step := range steps {
		if err := r.feed.Publish(ctx, order.RoleRider, res.orderID, step.code); err != nil {
			return fail(err.Error())
		}
		if _, err := r.waitState(ctx, order.RoleRider, step.done); err != nil {
			return fail(fmt.Sprintf("after %s: %v", order.CodeName(order.RoleRider, step.code), err))
		}
	}
	return pass("order " + string(res.orderID))
}

func riderCancelDuringMatch(ctx context.Context, r *Runner) Result {
	r.reset(ctx)
	created := r.createAsync(ctx, order.RoleRider, nil)
	st, err := r.waitState(ctx, order.RoleRider, func(s stateResp) bool { return s.Matching && s.OrderID != "" })
	if err != nil {
		return fail("never entered matching: " + err.Error())
	}

	status, _, err := r.call(ctx, http.MethodPost, "/api/rider/cancel", nil)
	if err != nil || status != http.StatusOK {
		return fail(fmt.Sprintf("cancel status=%d err=%v", status, err))
	}
	res := <-created
	if res.status != http.StatusCreated || res.orderID != st.OrderID {
		return fail(fmt.Sprintf("aborted create answered status=%d order=%q", res.status, res.orderID))
	}
	after, err := r.state(ctx, order.RoleRider)
	if err != nil {
		return fail(err.Error())
	}
	if after.OrderID != "" {
		return fail("session not reset after cancel")
	}
	return pass("")
}

func riderBusyGuard(ctx context.Context, r *Runner) Result {
	r.reset(ctx)
	first := r.createAsync(ctx, order.RoleRider, nil)
	if _, err := r.waitState(ctx, order.RoleRider, func(s stateResp) bool { return s.Matching }); err != nil {
		return fail("never entered matching: " + err.Error())
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
		other    []int
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, err := r.call(ctx, http.MethodPost, "/api/rider/orders", nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && status == http.StatusConflict {
				rejected++
				return
			}
			other = append(other, status)
		}()
	}
	wg.Wait()
	_, _, _ = r.call(ctx, http.MethodPost, "/api/rider/cancel", nil)
	<-first

	if len(other) > 0 {
		return fail(fmt.Sprintf("rejected=%d unexpected statuses=%v", rejected, other))
	}
	return pass(fmt.Sprintf("rejected=%d", rejected))
}

func riderMatchTimeout(ctx context.Context, r *Runner) Result {
	if !r.cfg.SlowCases {
		return skip("needs -slow; waits out the configured match timeout")
	}
	r.reset(ctx)
	status, body, err := r.call(ctx, http.MethodPost, "/api/rider/orders", nil)
	if err != nil {
		return fail(err.Error())
	}
	if status != http.StatusGatewayTimeout {
		return fail(fmt.Sprintf("status=%d body=%s", status, body))
	}
	st, err := r.state(ctx, order.RoleRider)
	if err != nil || st.OrderID != "" {
		return fail("session not reset after timeout")
	}
	return pass("")
}

func driverLifecycle(ctx context.Context, r *Runner) Result {
	if r.feed == nil {
		return fail("redis not configured")
	}
	r.reset(ctx)
	res := <-r.createAsync(ctx, order.RoleDriver, map[string]string{})
	if res.err != nil || res.status != http.StatusCreated {
		return fail(fmt.Sprintf("create status=%d err=%v", res.status, res.err))
	}
	id := res.orderID

	if r.store != nil {
		if err := r.store.Assign(ctx, id, order.VehicleRef(r.cfg.Vehicle), "bench-passenger", "0900000000"); err != nil {
			return fail("assign passenger: " + err.Error())
		}
	}
	if err := r.feed.Publish(ctx, order.RoleDriver, id, order.DriverUserOrderConfirmed); err != nil {
		return fail(err.Error())
	}
	if _, err := r.waitState(ctx, order.RoleDriver, func(s stateResp) bool {
		return s.Phase == order.PhaseInProgress && (r.store == nil || s.Detail != nil)
	}); err != nil {
		return fail("never in progress: " + err.Error())
	}

	if status, body, err := r.call(ctx, http.MethodPost, "/api/driver/arrived", nil); err != nil || status != http.StatusOK {
		return fail(fmt.Sprintf("arrived status=%d err=%v body=%s", status, err, body))
	}
	if r.store != nil {
		if err := r.store.PickUp(ctx, id); err != nil {
			return fail("pick up passenger: " + err.Error())
		}
	}
	if err := r.feed.Publish(ctx, order.RoleDriver, id, order.DriverUserPickUp); err != nil {
		return fail(err.Error())
	}
	if _, err := r.waitState(ctx, order.RoleDriver, func(s stateResp) bool { return s.LastEvent == "user_pick_up" }); err != nil {
		return fail("pick-up not seen: " + err.Error())
	}
	if status, body, err := r.call(ctx, http.MethodPost, "/api/driver/complete", nil); err != nil || status != http.StatusOK {
		return fail(fmt.Sprintf("complete status=%d err=%v body=%s", status, err, body))
	}
	st, err := r.state(ctx, order.RoleDriver)
	if err != nil || st.OrderID != "" {
		return fail("session not reset after complete")
	}
	note := "order " + string(id)
	if r.store == nil {
		note += " (no detail check)"
	}
	return pass(note)
}

func driverUnknownCode(ctx context.Context, r *Runner) Result {
	if r.feed == nil {
		return fail("redis not configured")
	}
	r.reset(ctx)
	res := <-r.createAsync(ctx, order.RoleDriver, map[string]string{})
	if res.err != nil || res.status != http.StatusCreated {
		return fail(fmt.Sprintf("create status=%d err=%v", res.status, res.err))
	}
	if err := r.feed.Publish(ctx, order.RoleDriver, res.orderID, 99); err != nil {
		return fail(err.Error())
	}
	if _, err := r.waitState(ctx, order.RoleDriver, func(s stateResp) bool { return s.OrderID == "" }); err != nil {
		return fail("not auto-cancelled: " + err.Error())
	}
	return pass("")
}

// reset cancels whatever either role still has open from an earlier case.
func (r *Runner) reset(ctx context.Context) {
	for _, role := range []order.Role{order.RoleRider, order.RoleDriver} {
		_, _, _ = r.call(ctx, http.MethodPost, "/api/"+string(role)+"/cancel", nil)
	}
}

func (r *Runner) createAsync(ctx context.Context, role order.Role, body any) <-chan createResp {
	out := make(chan createResp, 1)
	go func() {
		status, raw, err := r.call(ctx, http.MethodPost, "/api/"+string(role)+"/orders", body)
		res := createResp{status: status, err: err}
		if err == nil {
			var parsed struct {
				OrderID order.ID `json:"order_id"`
			}
			_ = json.Unmarshal(raw, &parsed)
			res.orderID = parsed.OrderID
		}
		out <- res
	}()
	return out
}

func (r *Runner) state(ctx context.Context, role order.Role) (stateResp, error) {
	var st stateResp
	status, raw, err := r.call(ctx, http.MethodGet, "/api/"+string(role)+"/state", nil)
	if err != nil {
		return st, err
	}
	if status != http.StatusOK {
		return st, fmt.Errorf("state status=%d", status)
	}
	return st, json.Unmarshal(raw, &st)
}

func (r *Runner) waitState(ctx context.Context, role order.Role, cond func(stateResp) bool) (stateResp, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	var last stateResp
	for {
		st, err := r.state(ctx, role)
		if err == nil {
			last = st
			if cond(st) {
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("timed out in phase %q", last.Phase)
		case <-tick.C:
		}
	}
}

func (r *Runner) call(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func perfLoad(ctx context.Context, r *Runner, path string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count    int64
		errCount int64
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.call(ctx, http.MethodGet, path, nil)
				mu.Lock()
				if err != nil || status != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return fail("no requests completed")
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Latency: r.cfg.Duration, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func expectStatus(status int, err error, want int) Result {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail("timed out")
		}
		return fail(err.Error())
	}
	if status != want {
		return fail(fmt.Sprintf("status=%d", status))
	}
	return pass(fmt.Sprintf("status=%d", status))
}

func pass(note string) Result { return Result{Status: statusPass, Note: note} }
func fail(note string) Result { return Result{Status: statusFail, Note: note} }
func skip(note string) Result { return Result{Status: statusSkip, Note: note} }
