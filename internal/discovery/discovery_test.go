package discovery

import (
	"testing"
	"time"

	"github.com/brutella/dnssd"
	"github.com/sirupsen/logrus"

	"github.com/deepc0py/WarpDeck/internal/events"
)

func testEngine(localID string) (*Engine, *events.Dispatcher) {
	d := events.NewDispatcher(events.Callbacks{}, logrus.NewEntry(logrus.New()))
	go d.Run()
	e := New(localID, d, logrus.NewEntry(logrus.New()))
	return e, d
}

func TestOnAddValidPeerIsCached(t *testing.T) {
	e, d := testEngine("local-id")
	defer d.Stop()

	entry := dnssd.BrowseEntry{
		Name: "Peer One",
		Host: "peer-one.local",
		Text: map[string]string{
			"v":        "1.0",
			"id":       "peer-1",
			"name":     "Peer One",
			"platform": "linux",
			"port":     "54321",
			"fp":       "deadbeef",
		},
	}

	e.onAdd(entry)

	peers := e.ListPeers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if peers[0].DeviceID != "peer-1" {
		t.Fatalf("unexpected device id: %s", peers[0].DeviceID)
	}
	if peers[0].Port != 54321 {
		t.Fatalf("unexpected port: %d", peers[0].Port)
	}
}

func TestOnAddSelfFilter(t *testing.T) {
	e, d := testEngine("local-id")
	defer d.Stop()

	entry := dnssd.BrowseEntry{
		Text: map[string]string{
			"v": "1.0", "id": "local-id", "name": "Me", "platform": "linux", "port": "1234", "fp": "abc",
		},
	}
	e.onAdd(entry)

	if len(e.ListPeers()) != 0 {
		t.Fatal("a record advertising the local device id must be self-filtered")
	}
}

func TestOnAddDropsRecordsMissingRequiredFields(t *testing.T) {
	e, d := testEngine("local-id")
	defer d.Stop()

	entry := dnssd.BrowseEntry{
		Text: map[string]string{"v": "1.0", "id": "peer-1"},
	}
	e.onAdd(entry)

	if len(e.ListPeers()) != 0 {
		t.Fatal("a record missing required TXT fields should be dropped silently")
	}
}

func TestOnAddDropsInvalidPort(t *testing.T) {
	e, d := testEngine("local-id")
	defer d.Stop()

	entry := dnssd.BrowseEntry{
		Text: map[string]string{
			"v": "1.0", "id": "peer-1", "name": "P", "platform": "linux", "port": "99999", "fp": "abc",
		},
	}
	e.onAdd(entry)

	if len(e.ListPeers()) != 0 {
		t.Fatal("a record with an out-of-range port should be dropped silently")
	}
}

func TestOnRemovePurgesPeer(t *testing.T) {
	e, d := testEngine("local-id")
	defer d.Stop()

	add := dnssd.BrowseEntry{
		Name: "Peer One",
		Text: map[string]string{
			"v": "1.0", "id": "peer-1", "name": "Peer One", "platform": "linux", "port": "1234", "fp": "abc",
		},
	}
	e.onAdd(add)
	if len(e.ListPeers()) != 1 {
		t.Fatal("setup: expected 1 peer before removal")
	}

	e.onRemove(dnssd.BrowseEntry{Name: "Peer One", Text: map[string]string{"id": "peer-1"}})

	// onRemove dispatches asynchronously; give the cache mutation (which
	// happens synchronously before the dispatch) a moment either way.
	time.Sleep(10 * time.Millisecond)
	if len(e.ListPeers()) != 0 {
		t.Fatal("removed peer should no longer be cached")
	}
}
