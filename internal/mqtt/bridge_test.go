//go:build !no_mqtt

package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

type published struct {
	Topic    string
	Payload  string
	Retained bool
}

type fakeClient struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]func([]byte)
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]func([]byte))}
}

func (f *fakeClient) Publish(topic string, payload []byte, retained bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, string(payload), retained})
}

func (f *fakeClient) Subscribe(topic string, handler func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeClient) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h([]byte(payload))
	}
}

func (f *fakeClient) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

// fakeSwitch behaves like a homekit accessory: SET skips unchanged values
// and never touches the cached state.
type fakeSwitch struct {
	ieee   string
	on     bool
	sets   []bool
	setErr error
	subs   []func(bool)
}

func (s *fakeSwitch) IEEEAddr() string  { return s.ieee }
func (s *fakeSwitch) HandleOnGet() bool { return s.on }
func (s *fakeSwitch) HandleOnSet(ctx context.Context, v bool) error {
	if v == s.on {
		return nil
	}
	s.sets = append(s.sets, v)
	return s.setErr
}
func (s *fakeSwitch) Subscribe(fn func(bool)) func() {
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() { s.subs[idx] = nil }
}
func (s *fakeSwitch) report(v bool) {
	s.on = v
	for _, fn := range s.subs {
		if fn != nil {
			fn(v)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBridge(t *testing.T) (*Bridge, *fakeClient, *fakeSwitch) {
	t.Helper()
	fc := newFakeClient()
	sw := &fakeSwitch{ieee: "0x00158d0001abcd01"}
	b := newBridge(fc, []Switch{sw}, "zigbee-homekit", testLogger())
	t.Cleanup(b.Stop)
	return b, fc, sw
}

func TestOnConnectPublishesAvailabilityAndState(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	b.onConnect()

	want := []published{
		{"zigbee-homekit/bridge/state", "online", true},
		{"zigbee-homekit/0x00158d0001abcd01", `{"state":"OFF"}`, true},
	}
	if len(fc.published) != len(want) {
		t.Fatalf("published = %+v", fc.published)
	}
	for i, p := range want {
		if fc.published[i] != p {
			t.Errorf("published[%d] = %+v, want %+v", i, fc.published[i], p)
		}
	}
	if _, ok := fc.handlers["zigbee-homekit/0x00158d0001abcd01/set"]; !ok {
		t.Error("set topic not subscribed")
	}
}

func TestStateChangesArePublished(t *testing.T) {
	b, fc, sw := newTestBridge(t)
	b.Start()

	sw.report(true)
	if got := fc.last(); got.Topic != "zigbee-homekit/0x00158d0001abcd01" || got.Payload != `{"state":"ON"}` || !got.Retained {
		t.Errorf("last publish = %+v", got)
	}

	b.Stop()
	n := len(fc.published)
	sw.report(false)
	if len(fc.published) != n {
		t.Error("state published after Stop")
	}
	if !fc.disconnected {
		t.Error("client not disconnected")
	}
}

func TestSetCommands(t *testing.T) {
	tests := []struct {
		name    string
		cached  bool
		payload string
		want    []bool
	}{
		{"on", false, `{"state":"ON"}`, []bool{true}},
		{"off", true, `{"state":"off"}`, []bool{false}},
		{"toggle from off", false, `{"state":"TOGGLE"}`, []bool{true}},
		{"toggle from on", true, `{"state":"TOGGLE"}`, []bool{false}},
		{"unchanged", true, `{"state":"ON"}`, nil},
		{"unknown state", false, `{"state":"DIM"}`, nil},
		{"bad json", false, `state=ON`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, fc, sw := newTestBridge(t)
			sw.on = tt.cached
			b.onConnect()

			fc.deliver("zigbee-homekit/0x00158d0001abcd01/set", tt.payload)
			b.Stop()

			if len(sw.sets) != len(tt.want) {
				t.Fatalf("sets = %v, want %v", sw.sets, tt.want)
			}
			for i := range tt.want {
				if sw.sets[i] != tt.want[i] {
					t.Errorf("sets = %v, want %v", sw.sets, tt.want)
				}
			}
		})
	}
}

func TestSetFailureDoesNotPanic(t *testing.T) {
	b, fc, sw := newTestBridge(t)
	sw.setErr = errors.New("no ack")
	b.onConnect()
	fc.deliver("zigbee-homekit/0x00158d0001abcd01/set", `{"state":"ON"}`)
	b.Stop()
	if len(sw.sets) != 1 {
		t.Errorf("sets = %v", sw.sets)
	}
}

// slowSwitch holds every SET until release is closed.
type slowSwitch struct {
	fakeSwitch
	started chan struct{}
	release chan struct{}
}

func (s *slowSwitch) HandleOnSet(ctx context.Context, v bool) error {
	s.started <- struct{}{}
	<-s.release
	return s.fakeSwitch.HandleOnSet(ctx, v)
}

func TestSetCommandDoesNotBlockCallback(t *testing.T) {
	fc := newFakeClient()
	sw := &slowSwitch{
		fakeSwitch: fakeSwitch{ieee: "0x00158d0001abcd01"},
		started:    make(chan struct{}, 2),
		release:    make(chan struct{}),
	}
	b := newBridge(fc, []Switch{sw}, "zigbee-homekit", testLogger())
	b.onConnect()

	delivered := make(chan struct{})
	go func() {
		fc.deliver("zigbee-homekit/0x00158d0001abcd01/set", `{"state":"ON"}`)
		fc.deliver("zigbee-homekit/0x00158d0001abcd01/set", `{"state":"ON"}`)
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message callback waited for the device write")
	}

	select {
	case <-sw.started:
	case <-time.After(2 * time.Second):
		t.Fatal("set command never ran")
	}
	close(sw.release)
	b.Stop()

	if len(sw.sets) != 2 {
		t.Errorf("sets = %v, want both commands run in order", sw.sets)
	}
}

func TestSetAfterStopIgnored(t *testing.T) {
	b, fc, sw := newTestBridge(t)
	b.onConnect()
	b.Stop()
	fc.deliver("zigbee-homekit/0x00158d0001abcd01/set", `{"state":"ON"}`)
	if len(sw.sets) != 0 {
		t.Errorf("sets after Stop = %v", sw.sets)
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(stateMessage{State: "ON"})); got != `{"state":"ON"}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(chan) = %s", got)
	}
}
