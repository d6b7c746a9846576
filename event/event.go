package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/cache"
	"github.com/coreshub/imaas-gateway/common/config"
)

// Package event implements the server-wide notification bus on a capped
// redis stream. Every replica runs its own consumer reading forward from the
// stream tail, so a published event reaches all replicas but none of the
// history is replayed on restart.

const (
	ActionEvictCache          = "evict_cache"
	ActionBalanceRecharge     = "user.balance.recharge"
	ActionBalanceInsufficient = "user.balance.insufficient"
)

// Event is the wire shape carried in the stream's data field.
type Event struct {
	Action string            `json:"action"`
	Module string            `json:"module,omitempty"`
	Params []string          `json:"params,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// Handler processes one event.
type Handler func(ctx context.Context, ev Event)

// Publish appends an event to the server event stream.
func Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event failed")
	}
	err = common.PublishEvent(ctx, common.ServerEventQueue, config.ServerEventQueueMaxLen,
		map[string]any{"action": ev.Action, "data": string(data)})
	return errors.Wrapf(err, "publish %s event failed", ev.Action)
}

// PublishEvict tells every replica to drop the caches of a module. With
// params, only the entry keyed on those params is removed; without, the
// module's caches are cleared entirely.
func PublishEvict(ctx context.Context, module string, params ...string) error {
	return Publish(ctx, Event{Action: ActionEvictCache, Module: module, Params: params})
}

// Bus dispatches stream events to subscribed handlers by action.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	// poll interval between empty reads, shortened in tests
	pollInterval time.Duration
}

func NewBus() *Bus {
	return &Bus{
		handlers:     map[string][]Handler{},
		pollInterval: time.Second,
	}
}

func (b *Bus) Subscribe(action string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[action] = append(b.handlers[action], h)
}

// SubscribeEvict wires evict_cache events into the in-process cache registry.
func (b *Bus) SubscribeEvict() {
	b.Subscribe(ActionEvictCache, func(ctx context.Context, ev Event) {
		if ev.Module == "" {
			return
		}
		if len(ev.Params) > 0 {
			cache.EvictKey(ev.Module, cache.Key(ev.Params...))
		} else {
			cache.EvictModule(ev.Module)
		}
		gmw.GetLogger(ctx).Debug("evicted module cache",
			zap.String("module", ev.Module), zap.Strings("params", ev.Params))
	})
}

// Run consumes the event stream until ctx is canceled. It starts from the
// current tail: events published before boot are not replayed.
func (b *Bus) Run(ctx context.Context) {
	logger := gmw.GetLogger(ctx)
	stream := common.WrapKey(common.ServerEventQueue)

	lastId := "0"
	if info, err := common.RDB.XInfoStream(ctx, stream).Result(); err == nil {
		lastId = info.LastGeneratedID
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := common.RDB.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastId},
			Count:   100,
			Block:   -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Warn("read server event stream failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.pollInterval):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				lastId = msg.ID
				b.dispatch(ctx, msg)
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values["data"].(string)
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		// fall back to the bare action field, payload-less events still dispatch
		ev.Action, _ = msg.Values["action"].(string)
	}

	b.mu.RLock()
	handlers := b.handlers[ev.Action]
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}
