package geometry

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Reservation is admitted upload space. Allocations made through it draw
// down the reserved bytes. A reservation expires at the next Commit.
type Reservation struct {
	pool      *Pool
	size      uint64
	remaining uint64
	expired   bool
}

// Reserve declares an upload of size bytes before the caller builds it.
//
// Accounting covers pending uploads plus unspent reservations. A request is
// admitted while the total stays below the load budget. A request that
// reaches or crosses the budget is admitted only when nothing else is
// outstanding, so a single large upload cannot starve; otherwise it fails
// with ErrDeferred and the caller retries on a later frame.
func (p *Pool) Reserve(size uint64) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if budget := p.cfg.LoadBudget; budget > 0 {
		total := p.pendingBytes + p.reserved + size
		sole := len(p.reservations) == 0 && p.pendingBytes == 0
		if total >= budget && !sole {
			p.deferred++
			slogger().Warn("geometry: reservation deferred",
				"size", size, "pending", p.pendingBytes, "reserved", p.reserved, "budget", budget)
			return nil, fmt.Errorf("%w: %d + %d outstanding, budget %d", ErrDeferred, size, total-size, budget)
		}
	}

	r := &Reservation{pool: p, size: size, remaining: size}
	p.reservations[r] = struct{}{}
	p.reserved += size
	return r, nil
}

// Size returns the reserved size.
func (r *Reservation) Size() uint64 { return r.size }

// Remaining returns the unspent bytes.
func (r *Reservation) Remaining() uint64 {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.remaining
}

// AllocateVertices is Pool.AllocateVertices charged to the reservation.
func (r *Reservation) AllocateVertices(name string, data []byte, stride uint32) (Handle, error) {
	return r.pool.allocate(r, Vertices, name, data, stride)
}

// AllocateIndices is Pool.AllocateIndices charged to the reservation.
func (r *Reservation) AllocateIndices(name string, data []byte, format gputypes.IndexFormat) (Handle, error) {
	return r.pool.allocate(r, Indices, name, data, indexSize(format))
}

// Release returns the unspent bytes to the budget. It is safe to call more
// than once and after expiry.
func (r *Reservation) Release() {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	r.expireLocked()
}

// consumeLocked charges size bytes. Caller must hold the pool lock.
func (r *Reservation) consumeLocked(size uint64) error {
	if r.expired {
		return ErrReservationExpired
	}
	if size > r.remaining {
		return fmt.Errorf("%w: need %d, %d left", ErrReservationSpent, size, r.remaining)
	}
	r.remaining -= size
	r.pool.reserved -= size
	return nil
}

func (r *Reservation) expireLocked() {
	if r.expired {
		return
	}
	r.expired = true
	r.pool.reserved -= r.remaining
	r.remaining = 0
	delete(r.pool.reservations, r)
}

// expireReservations ends every outstanding reservation. Caller must hold p.mu.
func (p *Pool) expireReservations() {
	for r := range p.reservations {
		r.expireLocked()
	}
}
