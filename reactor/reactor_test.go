package reactor

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeHandle is a minimal Handle for exercising React without real sockets.
type fakeHandle struct {
	id       int
	open     bool
	readErr  error
	oobErr   error
	reads    int
	oobCalls int
	onRead   func()
}

func (f *fakeHandle) ID() int      { return f.id }
func (f *fakeHandle) IsOpen() bool { return f.open }
func (f *fakeHandle) OnReadable() error {
	f.reads++
	if f.onRead != nil {
		f.onRead()
	}
	return f.readErr
}
func (f *fakeHandle) OnOutOfBand() error {
	f.oobCalls++
	return f.oobErr
}

// stubSelect replaces selectFDs for the duration of a test, reporting
// readyIDs as readable and oobIDs as out-of-band.
func stubSelect(t *testing.T, readyIDs, oobIDs []int) {
	t.Helper()
	orig := selectFDs
	selectFDs = func(nfd int, r, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
		var rfds, efds unix.FdSet
		rfds.Zero()
		efds.Zero()
		for _, id := range readyIDs {
			rfds.Set(id)
		}
		for _, id := range oobIDs {
			efds.Set(id)
		}
		*r = rfds
		*e = efds
		return len(readyIDs) + len(oobIDs), nil
	}
	t.Cleanup(func() { selectFDs = orig })
}

func TestReactor_DispatchesReadyHandles(t *testing.T) {
	r := New(nil, nil)
	h1 := &fakeHandle{id: 3, open: true}
	h2 := &fakeHandle{id: 5, open: true}
	r.Add(h1)
	r.Add(h2)

	stubSelect(t, []int{3, 5}, nil)

	n, err := r.React(nil)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched = %d, want 2", n)
	}
	if h1.reads != 1 || h2.reads != 1 {
		t.Errorf("reads: h1=%d h2=%d", h1.reads, h2.reads)
	}
}

func TestReactor_RemovesHandleThatClosedItself(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandle{id: 7, open: true}
	h.onRead = func() { h.open = false }
	r.Add(h)

	stubSelect(t, []int{7}, nil)

	if _, err := r.React(nil); err != nil {
		t.Fatalf("React: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0 after self-close", r.Count())
	}
}

func TestReactor_ErrorPolicyInvokedAndSuppressesReadable(t *testing.T) {
	var policyCalls int
	var lastErr error
	r := New(func(h Handle, err error) {
		policyCalls++
		lastErr = err
	}, nil)

	sentinel := errors.New("boom")
	h := &fakeHandle{id: 9, open: true, oobErr: sentinel}
	r.Add(h)

	stubSelect(t, []int{9}, []int{9})

	if _, err := r.React(nil); err != nil {
		t.Fatalf("React: %v", err)
	}
	if policyCalls != 1 || lastErr != sentinel {
		t.Fatalf("policyCalls=%d lastErr=%v", policyCalls, lastErr)
	}
	if h.reads != 0 {
		t.Errorf("OnReadable should be suppressed after OnOutOfBand error, reads=%d", h.reads)
	}
}

func TestReactor_CallbackMutatesRegistryDuringDispatch(t *testing.T) {
	// h1's callback removes h2 from the registry. Map iteration order
	// during dispatch is unspecified, so h2 may or may not have already
	// run by the time h1 removes it — but regardless of order, React
	// must not panic, and the registry must reflect the removal once
	// React returns.
	r := New(nil, nil)
	h2 := &fakeHandle{id: 11, open: true}
	h1 := &fakeHandle{id: 10, open: true}
	h1.onRead = func() { r.Remove(h2) }
	r.Add(h1)
	r.Add(h2)

	stubSelect(t, []int{10, 11}, nil)

	if _, err := r.React(nil); err != nil {
		t.Fatalf("React: %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1 (h2 removed by h1's callback)", r.Count())
	}
	if h1.reads != 1 {
		t.Errorf("h1.reads = %d, want 1", h1.reads)
	}
}

func TestReactor_EmptyRegistrySleepsAndReturns(t *testing.T) {
	r := New(nil, nil)
	timeout := 10 * time.Millisecond
	start := time.Now()
	n, err := r.React(&timeout)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
	if time.Since(start) < timeout {
		t.Error("React returned before the timeout elapsed on an empty registry")
	}
}
