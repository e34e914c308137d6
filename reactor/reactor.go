// Package reactor implements a select(2)-driven readiness dispatcher.
//
// A Reactor multiplexes many registered Handles on a single goroutine: one
// call to React polls every registered file descriptor for read and
// out-of-band readiness, then dispatches callbacks on whichever handles are
// ready. There is no threading and no locking inside the reactor itself —
// callbacks are expected to run to completion before the next handle is
// dispatched, and the same goroutine that calls React must be the only one
// that calls Add/Remove/Count.
package reactor

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handle is the reactive-handle contract every registrant must satisfy.
type Handle interface {
	// ID returns a stable integer identity, ordinarily the underlying file
	// descriptor.
	ID() int
	// IsOpen reports whether the handle should remain registered.
	IsOpen() bool
	// OnReadable is invoked when the handle's descriptor is readable.
	OnReadable() error
	// OnOutOfBand is invoked when the handle's descriptor has pending
	// out-of-band data.
	OnOutOfBand() error
}

// ErrorPolicy decides what happens when a Handle's callback returns an
// error. The default policy only logs the error: Handle has no close
// method, so it does not close the handle, which stays registered until it
// reports IsOpen false. websocket.Server installs a policy that closes the
// client, translating a WebSocketError into an RFC close frame.
type ErrorPolicy func(h Handle, err error)

// Reactor holds the set of registered handles and drives one select(2)
// call per React invocation.
type Reactor struct {
	handles map[int]Handle
	onError ErrorPolicy
	log     *zap.Logger
}

// New creates an empty Reactor. A nil ErrorPolicy logs the error at debug
// level and swallows it; the offending handle is not closed.
// A nil logger uses zap.NewNop().
func New(onError ErrorPolicy, log *zap.Logger) *Reactor {
	if log == nil {
		log = zap.NewNop()
	}
	if onError == nil {
		onError = func(h Handle, err error) {
			log.Debug("reactor: callback error", zap.Int("id", h.ID()), zap.Error(err))
		}
	}
	return &Reactor{
		handles: make(map[int]Handle),
		onError: onError,
		log:     log,
	}
}

// Add registers h. Re-adding an already-registered ID replaces it.
func (r *Reactor) Add(h Handle) {
	r.handles[h.ID()] = h
}

// Remove deregisters h by ID, if present.
func (r *Reactor) Remove(h Handle) {
	delete(r.handles, h.ID())
}

// SetErrorPolicy replaces the reactor's ErrorPolicy. Callers that need the
// policy to close over state created after New (such as websocket.Server,
// which must exist before it can translate a WebSocketError into a close
// frame) install their real policy this way instead of passing it to New.
func (r *Reactor) SetErrorPolicy(onError ErrorPolicy) {
	r.onError = onError
}

// Count returns the number of currently registered handles.
func (r *Reactor) Count() int {
	return len(r.handles)
}

// React performs one select(2) call over every registered handle and
// dispatches OnOutOfBand followed by OnReadable on each ready handle, in
// registry-snapshot order. A nil timeout blocks indefinitely; otherwise it
// blocks for at most timeout. With no handles registered it sleeps for
// timeout, or returns at once when timeout is nil.
//
// Callbacks may freely Add, Remove or close other handles (including
// themselves) — React snapshots the ready set before dispatch and removes
// any handle that has become closed after its callbacks run, so structural
// changes mid-tick never corrupt iteration.
//
// If a handle's OnOutOfBand call returns an error, that handle's
// OnReadable call is suppressed for this tick (spec.md §4.2). React never
// propagates a callback's error to its own caller; it reports the number
// of ready handles it dispatched this tick (a ready handle removed by an
// earlier callback is skipped and not counted), or an error only if
// select(2) itself failed.
func (r *Reactor) React(timeout *time.Duration) (int, error) {
	if len(r.handles) == 0 {
		if timeout != nil {
			time.Sleep(*timeout)
		}
		return 0, nil
	}

	var rfds, efds unix.FdSet
	rfds.Zero()
	efds.Zero()

	maxFD := 0
	for id := range r.handles {
		rfds.Set(id)
		efds.Set(id)
		if id > maxFD {
			maxFD = id
		}
	}

	var tv *unix.Timeval
	if timeout != nil {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := selectFDs(maxFD+1, &rfds, &efds, tv)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	// Snapshot the ready set before dispatch: callbacks are free to
	// mutate r.handles (add/remove/close other handles).
	type ready struct {
		h  Handle
		oob bool
	}
	var readySet []ready
	for id, h := range r.handles {
		readable := rfds.IsSet(id)
		oob := efds.IsSet(id)
		if readable || oob {
			readySet = append(readySet, ready{h: h, oob: oob})
		}
	}

	dispatched := 0
	for _, rd := range readySet {
		h := rd.h
		if _, stillRegistered := r.handles[h.ID()]; !stillRegistered {
			continue
		}

		dispatched++
		suppressReadable := false

		if rd.oob {
			if err := h.OnOutOfBand(); err != nil {
				r.onError(h, err)
				suppressReadable = true
			}
		}

		if !suppressReadable {
			if _, stillRegistered := r.handles[h.ID()]; stillRegistered && h.IsOpen() {
				if err := h.OnReadable(); err != nil {
					r.onError(h, err)
				}
			}
		}

		if !h.IsOpen() {
			r.Remove(h)
		}
	}

	return dispatched, nil
}

// selectFDs is split out so tests can stub select(2) without touching
// real descriptors.
var selectFDs = func(nfd int, r, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	n, err := unix.Select(nfd, r, nil, e, timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}
