package events

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestDispatcherInvokesMatchingCallback(t *testing.T) {
	var mu sync.Mutex
	var got PeerInfo

	done := make(chan struct{})
	callbacks := Callbacks{
		OnPeerDiscovered: func(p PeerInfo) {
			mu.Lock()
			got = p
			mu.Unlock()
			close(done)
		},
	}

	d := NewDispatcher(callbacks, logrus.NewEntry(logrus.New()))
	go d.Run()
	defer d.Stop()

	d.Publish(Event{Kind: KindPeerDiscovered, Peer: PeerInfo{DeviceID: "dev-1", Name: "Laptop"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.DeviceID != "dev-1" {
		t.Fatalf("unexpected device id: %s", got.DeviceID)
	}
}

func TestDispatcherRecoversFromPanickingCallback(t *testing.T) {
	calledSecond := make(chan struct{})
	callbacks := Callbacks{
		OnError: func(code, message string) {
			panic("embedder misbehaved")
		},
		OnPeerLost: func(deviceID string) {
			close(calledSecond)
		},
	}

	d := NewDispatcher(callbacks, logrus.NewEntry(logrus.New()))
	go d.Run()
	defer d.Stop()

	d.Publish(Event{Kind: KindError, ErrorCode: "X", Message: "boom"})
	d.Publish(Event{Kind: KindPeerLost, LostDeviceID: "dev-1"})

	select {
	case <-calledSecond:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not survive a panicking callback")
	}
}

func TestNilCallbacksAreSkipped(t *testing.T) {
	d := NewDispatcher(Callbacks{}, logrus.NewEntry(logrus.New()))
	go d.Run()
	defer d.Stop()

	// Should not panic even though every callback field is nil.
	d.Publish(Event{Kind: KindTransferProgress, TransferID: "t1", Percent: 50})
	time.Sleep(10 * time.Millisecond)
}
