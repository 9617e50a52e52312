package calls

import (
	"context"
	"errors"
	"sync"
	"time"

	"rtc-signaling/internal/presence"
	"rtc-signaling/internal/store"
)

type delivery struct {
	Handle  string
	Event   string
	Payload any
}

type recordingDeliverer struct {
	mu  sync.Mutex
	out []delivery
}

func (d *recordingDeliverer) Deliver(_ context.Context, handle, event string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, delivery{Handle: handle, Event: event, Payload: payload})
	return nil
}

func (d *recordingDeliverer) to(handle, event string) []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []delivery
	for _, x := range d.out {
		if x.Handle == handle && x.Event == event {
			res = append(res, x)
		}
	}
	return res
}

type memRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	fail  bool
}

func (r *memRecorder) Record(_ context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("db down")
	}
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *memRecorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type harness struct {
	kv       *store.Memory
	presence *presence.Registry
	sessions *SessionStore
	deliver  *recordingDeliverer
	recorder *memRecorder
	ctrl     *Controller
	now      time.Time
}

func newHarness() *harness {
	h := &harness{
		kv:       store.NewMemory(),
		deliver:  &recordingDeliverer{},
		recorder: &memRecorder{},
		now:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	h.kv.SetClock(func() time.Time { return h.now })
	h.presence = presence.NewRegistry(h.kv)
	h.sessions = NewSessionStore(h.kv)
	h.ctrl = NewController(h.sessions, h.presence, h.deliver, h.recorder, Config{})
	h.ctrl.clock = func() time.Time { return h.now }
	return h
}

func (h *harness) connect(userID string) string {
	handle := "srv/" + userID
	_ = h.presence.Register(context.Background(), userID, handle)
	return handle
}
