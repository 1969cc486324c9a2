// Package events implements the WarpDeck Event Surface: a one-way,
// channel-based dispatch from the Discovery Engine and Transfer State
// Machine to an embedder's callbacks. This replaces the cyclic
// server->state->callback reference flagged in the design notes: producers
// only ever send on the dispatcher's channel through Publish, and the
// dispatcher is the sole consumer that calls into embedder code.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind tags the variant carried by an Event.
type Kind int

const (
	KindPeerDiscovered Kind = iota
	KindPeerLost
	KindIncomingTransferRequest
	KindTransferProgress
	KindTransferCompleted
	KindError
)

// PeerInfo mirrors discovery.PeerRecord without importing the discovery
// package, keeping events dependency-light.
type PeerInfo struct {
	DeviceID    string
	Name        string
	Platform    string
	Host        string
	Port        int
	Fingerprint string
}

// Event is the tagged union flowing from producers to the dispatcher.
type Event struct {
	Kind Kind

	Peer         PeerInfo // KindPeerDiscovered
	LostDeviceID string   // KindPeerLost

	TransferID   string     // KindIncomingTransferRequest, KindTransferProgress, KindTransferCompleted
	PeerDeviceID string     // KindIncomingTransferRequest
	Files        []FileMeta // KindIncomingTransferRequest

	Percent int   // KindTransferProgress
	Bytes   int64 // KindTransferProgress

	Success bool   // KindTransferCompleted
	Message string // KindTransferCompleted, KindError

	ErrorCode string // KindError
}

// FileMeta is the minimal file descriptor surfaced with an incoming
// transfer request.
type FileMeta struct {
	Name string
	Size int64
	Hash string
}

// Callbacks is the embedder-facing contract, mirroring the six
// operations of the original C ABI's Callbacks struct.
type Callbacks struct {
	OnPeerDiscovered          func(PeerInfo)
	OnPeerLost                func(deviceID string)
	OnIncomingTransferRequest func(transferID, peerDeviceID string, files []FileMeta)
	OnTransferProgressUpdate  func(transferID string, percent int, bytesTransferred int64)
	OnTransferCompleted       func(transferID string, success bool, message string)
	OnError                   func(code, message string)
}

// Dispatcher drains its single event channel, which every producer feeds
// through Publish, and invokes embedder callbacks from a single dedicated
// goroutine, so no producer ever blocks
// on embedder code and no embedder callback can race another.
type Dispatcher struct {
	log       *logrus.Entry
	callbacks Callbacks

	in chan Event

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher constructs a dispatcher with the given embedder callbacks.
// Any nil callback field is simply never invoked.
func NewDispatcher(callbacks Callbacks, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		log:       log,
		callbacks: callbacks,
		in:        make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

// Publish enqueues an event for dispatch. Safe to call from any goroutine.
// It never blocks indefinitely: if the dispatcher has stopped, the event is
// dropped.
func (d *Dispatcher) Publish(ev Event) {
	select {
	case d.in <- ev:
	case <-d.done:
	}
}

// Run starts the dispatch loop and blocks until Stop is called. Intended to
// be run in its own goroutine.
func (d *Dispatcher) Run() {
	d.wg.Add(1)
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.in:
			d.dispatch(ev)
		case <-d.done:
			return
		}
	}
}

// Stop signals the dispatch loop to exit and waits for it to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Warn("embedder callback panicked, dropping")
		}
	}()

	switch ev.Kind {
	case KindPeerDiscovered:
		if d.callbacks.OnPeerDiscovered != nil {
			d.callbacks.OnPeerDiscovered(ev.Peer)
		}
	case KindPeerLost:
		if d.callbacks.OnPeerLost != nil {
			d.callbacks.OnPeerLost(ev.LostDeviceID)
		}
	case KindIncomingTransferRequest:
		if d.callbacks.OnIncomingTransferRequest != nil {
			d.callbacks.OnIncomingTransferRequest(ev.TransferID, ev.PeerDeviceID, ev.Files)
		}
	case KindTransferProgress:
		if d.callbacks.OnTransferProgressUpdate != nil {
			d.callbacks.OnTransferProgressUpdate(ev.TransferID, ev.Percent, ev.Bytes)
		}
	case KindTransferCompleted:
		if d.callbacks.OnTransferCompleted != nil {
			d.callbacks.OnTransferCompleted(ev.TransferID, ev.Success, ev.Message)
		}
	case KindError:
		if d.callbacks.OnError != nil {
			d.callbacks.OnError(ev.ErrorCode, ev.Message)
		}
	}
}
