package hub

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/lock"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/metrics"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

const workerQueue = 1024

// Run consumes the broker channel until ctx is done. Envelopes of one group
// always go through the same worker, so sessions see them in publish order.
func (h *Hub) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := h.broker.Subscribe(ctx, h.channel)
	if err != nil {
		return fmt.Errorf("hub subscribe %s: %w", h.channel, err)
	}
	defer func() { _ = h.broker.Unsubscribe(context.Background(), h.channel, ch) }()
	h.readyOnce.Do(func() { close(h.ready) })
	h.logger.Infow("hub running", "channel", h.channel, "workers", h.workers)

	queues := make([]chan envelope.Envelope, h.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan envelope.Envelope, workerQueue)
		wg.Add(1)
		go func(q <-chan envelope.Envelope) {
			defer wg.Done()
			h.work(q)
		}(queues[i])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.leaseLoop(ctx)
	}()

	err = h.consume(ctx, ch, queues)
	cancel()
	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	return err
}

func (h *Hub) consume(ctx context.Context, ch <-chan []byte, queues []chan envelope.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("hub channel %s: %w", h.channel, warperrors.ErrConnectionClosed)
			}
			env, err := envelope.Unmarshal(data)
			if err != nil {
				metrics.DroppedCounter.WithLabelValues(metrics.DropDecode).Inc()
				h.logger.Warnw("undecodable envelope", "error", err)
				continue
			}
			if !h.allowed(ctx, env) {
				metrics.DroppedCounter.WithLabelValues(metrics.DropPolicy).Inc()
				continue
			}
			q := queues[xxhash.Sum64String(env.GroupName)%uint64(len(queues))]
			select {
			case q <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// allowed applies the agent policy. A failed lookup drops the envelope.
func (h *Hub) allowed(ctx context.Context, env envelope.Envelope) bool {
	if !env.SourceType.IsAgent() {
		return true
	}
	org, ok := env.Organization()
	if !ok {
		return false
	}
	allowed, err := h.entitlements.Allowed(ctx, org, env.SourceType)
	if err != nil {
		h.logger.Warnw("entitlement lookup failed", "org", org, "source", env.SourceType, "error", err)
		return false
	}
	if !allowed {
		h.logger.Debugw("agent envelope suppressed", "org", org, "source", env.SourceType, "group", env.GroupName)
	}
	return allowed
}

func (h *Hub) work(q <-chan envelope.Envelope) {
	for env := range q {
		_, span := tracer.Start(context.Background(), "Hub.FanOut", trace.WithAttributes(
			attribute.String("relay.group", env.GroupName),
			attribute.String("relay.event_type", string(env.EventType)),
		))
		frame := protocol.NewEvent(env)
		var delivered int
		for _, s := range h.registry.members(env.GroupName) {
			if s.sink.Send(frame) {
				delivered++
				metrics.FanoutCounter.Inc()
				continue
			}
			metrics.DroppedCounter.WithLabelValues(metrics.DropBackpressure).Inc()
			h.logger.Debugw("session buffer full, event dropped", "session", s.id, "group", env.GroupName)
		}
		span.SetAttributes(attribute.Int("relay.delivered", delivered))
		span.End()
	}
}

// leaseLoop renews memberships and held locks of local sessions so a hub
// that dies leaves nothing behind once the leases run out.
func (h *Hub) leaseLoop(ctx context.Context) {
	if h.leaseInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.leaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.renewLeases(ctx)
		}
	}
}

func (h *Hub) renewLeases(ctx context.Context) {
	for _, s := range h.liveSessions() {
		for _, g := range s.Groups() {
			if err := h.roster.Touch(ctx, g, s.id); err != nil {
				h.logger.Warnw("membership renewal failed", "session", s.id, "group", g, "error", err)
			}
		}
		for _, g := range s.heldGroups() {
			err := h.locks.Refresh(ctx, g, s.id)
			switch {
			case err == nil:
			case stdErrors.Is(err, lock.ErrLeaseLost):
				s.unhold(g)
				h.logger.Warnw("edit lock lease lost", "session", s.id, "group", g)
			default:
				h.logger.Warnw("edit lock renewal failed", "session", s.id, "group", g, "error", err)
			}
		}
	}
}

// Handle executes one request frame for s and returns its response.
func (h *Hub) Handle(ctx context.Context, s *Session, req protocol.Frame) protocol.Frame {
	ctx, span := tracer.Start(ctx, "Hub."+string(req.Method), trace.WithAttributes(
		attribute.String("relay.group", req.Group),
	))
	defer span.End()

	var (
		result any
		err    error
	)
	switch req.Method {
	case protocol.MethodJoinGroup:
		result, err = h.JoinGroup(ctx, s, req.Group)
	case protocol.MethodLeaveGroup:
		err = h.LeaveGroup(ctx, s, req.Group)
	case protocol.MethodStartEdit:
		result, err = h.StartEdit(ctx, s, req.Group)
	case protocol.MethodEndEdit:
		err = h.EndEdit(ctx, s, req.Group)
	case protocol.MethodGetLockStatus:
		result, err = h.LockStatus(ctx, req.Group)
	default:
		err = fmt.Errorf("%w: %q", warperrors.ErrUnknownMethod, req.Method)
	}
	if err != nil {
		span.RecordError(err)
	}
	resp, encErr := protocol.NewResponse(req.ID, result, err)
	if encErr != nil {
		resp = protocol.Frame{Type: protocol.TypeResponse, ID: req.ID, Error: protocol.ErrorFrom(encErr)}
	}
	resp.Method = req.Method
	resp.Group = req.Group
	return resp
}
