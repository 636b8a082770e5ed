package fence

import (
	"context"
	"errors"
	"sync"
)

// Channel names an independent stream of requests. Results on one channel never invalidate another.
type Channel string

const (
	ChannelCartSync          Channel = "cart_sync"
	ChannelCartCreate        Channel = "cart_create"
	ChannelShippingFetch     Channel = "shipping_fetch"
	ChannelShippingPersist   Channel = "shipping_persist"
	ChannelPaymentCollection Channel = "payment_collection"
	ChannelPaymentSession    Channel = "payment_session"
	ChannelPromo             Channel = "promo"
)

// Ticket identifies one issued request. Ctx is cancelled as soon as a newer request is issued on the
// same channel or the channel is cancelled.
type Ticket struct {
	Channel Channel
	ID      uint64
	Ctx     context.Context

	fence  *Fence
	cancel context.CancelFunc
}

// Current reports whether the ticket is still the latest issued on its channel.
func (t Ticket) Current() bool {
	if t.fence == nil {
		return false
	}
	return t.fence.IsCurrent(t.Channel, t.ID)
}

type slot struct {
	seq    uint64
	cancel context.CancelFunc
}

// Fence hands out monotonically increasing request ids per channel and cancels superseded calls.
type Fence struct {
	mu    sync.Mutex
	slots map[Channel]*slot
}

// New constructs an empty fence.
func New() *Fence {
	return &Fence{slots: make(map[Channel]*slot)}
}

// Begin cancels whatever is in flight on the channel and issues the next ticket.
func (f *Fence) Begin(parent context.Context, channel Channel) Ticket {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	f.mu.Lock()
	s := f.slot(channel)
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	s.cancel = cancel
	id := s.seq
	f.mu.Unlock()

	return Ticket{Channel: channel, ID: id, Ctx: ctx, fence: f, cancel: cancel}
}

// IsCurrent reports whether id is the latest request issued on the channel.
func (f *Fence) IsCurrent(channel Channel, id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[channel]
	if !ok {
		return false
	}
	return s.seq == id
}

// Latest returns the most recent id issued on the channel, zero when none was issued.
func (f *Fence) Latest(channel Channel) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[channel]; ok {
		return s.seq
	}
	return 0
}

// Cancel aborts the in-flight call on the channel and marks every previously issued ticket stale.
func (f *Fence) Cancel(channel Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.slot(channel)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.seq++
}

// CancelAll cancels every channel.
func (f *Fence) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.slots {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.seq++
	}
}

// Release frees the ticket's context once its operation finished.
func (f *Fence) Release(t Ticket) {
	f.mu.Lock()
	if s, ok := f.slots[t.Channel]; ok && s.seq == t.ID {
		s.cancel = nil
	}
	f.mu.Unlock()
	// the ticket owns its context; stale tickets were already cancelled by Begin or Cancel
	if t.cancel != nil {
		t.cancel()
	}
}

func (f *Fence) slot(channel Channel) *slot {
	s, ok := f.slots[channel]
	if !ok {
		s = &slot{}
		f.slots[channel] = s
	}
	return s
}

// IsCancellation reports whether err stems from the call being aborted (superseded, cancelled or
// past the caller's deadline) rather than a genuine failure.
func IsCancellation(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx != nil && ctx.Err() != nil
}
