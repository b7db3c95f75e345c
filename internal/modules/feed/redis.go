// README: Event feed backed by Redis Pub/Sub (order events) and a per-order list (match result).
package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"robotaxi/internal/log"
	"robotaxi/internal/modules/order"
)

const (
	eventsChannelFmt = "robotaxi:feed:%s:order:%s:events"
	matchKeyFmt      = "robotaxi:feed:order:%s:match"
	// match results are consumed within one matching window; keep them briefly.
	matchKeyTTL = 10 * time.Minute
)

type RedisFeed struct {
	redis *redis.Client
	reg   *registry
	log   zerolog.Logger
}

func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{
		redis: rdb,
		reg:   newRegistry(),
		log:   log.WithComponent("feed.redis"),
	}
}

func (f *RedisFeed) Subscribe(ctx context.Context, role order.Role, id order.ID) (Subscription, error) {
	if id == "" {
		return nil, newFault(KindFatal, id, errors.New("subscribe without order id"))
	}
	key := subKey{role: role, id: id}
	if err := f.reg.claim(key); err != nil {
		return nil, err
	}

	channel := eventsChannel(role, id)
	ps := f.redis.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		f.reg.release(key)
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := newStream(ctx, key)
	go f.pump(s, ps)
	f.log.Debug().
		Str(log.FieldRole, string(role)).
		Str(log.FieldOrderID, string(id)).
		Str("subscription", s.id).
		Msg("subscribed to order events")
	return s, nil
}

func (f *RedisFeed) pump(s *stream, ps *redis.PubSub) {
	defer s.close()
	defer f.reg.release(s.key)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.fail(newFault(KindFatal, s.key.id, errors.New("event channel closed")))
				return
			}
			code, err := parseCode(msg.Payload)
			if err != nil {
				s.fail(newFault(KindFatal, s.key.id, err))
				return
			}
			if !s.deliver(code) {
				return
			}
		}
	}
}

// QueryOnce blocks on the order's match list. The wait is abandoned as soon
// as ctx is cancelled even though the server-side pop runs out its timeout.
func (f *RedisFeed) QueryOnce(ctx context.Context, id order.ID, timeout time.Duration) (order.VehicleRef, error) {
	if err := f.reg.claimQuery(id); err != nil {
		return "", err
	}

	type popResult struct {
		vals []string
		err  error
	}
	res := make(chan popResult, 1)
	go func() {
		defer f.reg.releaseQuery(id)
		vals, err := f.redis.BLPop(context.WithoutCancel(ctx), timeout, matchKey(id)).Result()
		res <- popResult{vals: vals, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", newFault(KindTimeout, id, ErrTimeout)
		}
		return "", newFault(KindAbort, id, ErrAbort)
	case r := <-res:
		if errors.Is(r.err, redis.Nil) {
			return "", newFault(KindTimeout, id, ErrTimeout)
		}
		if r.err != nil {
			return "", newFault(KindFatal, id, r.err)
		}
		if len(r.vals) != 2 || r.vals[1] == "" {
			return "", newFault(KindFatal, id, fmt.Errorf("malformed match result %q", r.vals))
		}
		return order.VehicleRef(r.vals[1]), nil
	}
}

// Publish pushes one event code to subscribers of (role, id).
func (f *RedisFeed) Publish(ctx context.Context, role order.Role, id order.ID, code order.EventCode) error {
	return f.redis.Publish(ctx, eventsChannel(role, id), strconv.Itoa(int(code))).Err()
}

// PublishMatch records the vehicle assigned to order id for a pending QueryOnce.
func (f *RedisFeed) PublishMatch(ctx context.Context, id order.ID, vehicle order.VehicleRef) error {
	pipe := f.redis.TxPipeline()
	pipe.RPush(ctx, matchKey(id), string(vehicle))
	pipe.Expire(ctx, matchKey(id), matchKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func parseCode(payload string) (order.EventCode, error) {
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("malformed event payload %q: %w", payload, err)
	}
	return order.EventCode(n), nil
}

func eventsChannel(role order.Role, id order.ID) string {
	return fmt.Sprintf(eventsChannelFmt, string(role), string(id))
}

func matchKey(id order.ID) string {
	return fmt.Sprintf(matchKeyFmt, string(id))
}

var _ Feed = (*RedisFeed)(nil)
