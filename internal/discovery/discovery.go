// Package discovery implements the WarpDeck Discovery Engine: mDNS/DNS-SD
// registration and browsing for the service type _warpdeck._tcp, backed by
// github.com/brutella/dnssd, with a bounded exponential-backoff reconnect
// loop and a thread-safe peer cache.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/deepc0py/WarpDeck/internal/events"
)

const (
	ServiceType = "_warpdeck._tcp"

	backoffInitial  = 1 * time.Second
	backoffMax      = 30 * time.Second
	backoffAttempts = 10
)

// browseType is the fully-qualified type LookupType expects. Per
// brutella/dnssd's own test (TestBrowse in the dnssd package), LookupType is
// called with the service type suffixed with ".local.", unlike the bare type
// passed to Config.Type when publishing.
var browseType = ServiceType + ".local."

// PeerRecord is one currently-visible LAN peer.
type PeerRecord struct {
	DeviceID    string
	Name        string
	Platform    string
	Host        string
	Port        int
	Fingerprint string
}

// txtRecord is the decoded shape of an mDNS TXT payload, matched against
// the map[string]string the dnssd library hands back per resolved entry.
type txtRecord struct {
	Version     string `mapstructure:"v"`
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Platform    string `mapstructure:"platform"`
	Port        string `mapstructure:"port"`
	Fingerprint string `mapstructure:"fp"`
}

// Engine owns the published service record and the peer cache. It is the
// exclusive owner of the peer map; callers only ever see copies.
type Engine struct {
	log *logrus.Entry

	localDeviceID string

	mu        sync.Mutex
	peers     map[string]PeerRecord // device_id -> record
	running   bool
	cancel    context.CancelFunc
	responder dnssd.Responder
	handle    dnssd.ServiceHandle

	// fatal carries an unrecoverable subsystem error (responder exited,
	// browse loop exhausted its reconnection budget) out to Wait, so Core
	// can tear the rest of the daemon down alongside it.
	fatal chan error

	dispatcher *events.Dispatcher
}

// New constructs a discovery Engine.
func New(localDeviceID string, dispatcher *events.Dispatcher, log *logrus.Entry) *Engine {
	return &Engine{
		log:           log,
		localDeviceID: localDeviceID,
		peers:         make(map[string]PeerRecord),
		fatal:         make(chan error, 2),
		dispatcher:    dispatcher,
	}
}

// recordConfig builds the dnssd.Config advertising name/platform/port/
// fingerprint under ServiceType's TXT record.
func (e *Engine) recordConfig(name, platform string, port int, fingerprint string) dnssd.Config {
	return dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
		Text: map[string]string{
			"v":        "1.0",
			"id":       e.localDeviceID,
			"name":     name,
			"platform": platform,
			"port":     strconv.Itoa(port),
			"fp":       fingerprint,
		},
	}
}

// Start publishes the local service record and begins browsing for
// siblings. Idempotent with respect to an already-running engine.
func (e *Engine) Start(name, platform string, port int, fingerprint string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	cfg := e.recordConfig(name, platform, port, fingerprint)

	svc, err := dnssd.NewService(cfg)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("discovery: build service record: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("discovery: open responder: %w", err)
	}

	handle, err := responder.Add(svc)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("discovery: register service: %w", err)
	}

	e.mu.Lock()
	e.responder = responder
	e.handle = handle
	e.mu.Unlock()

	go e.runResponder(ctx, responder)
	go e.runBrowseWithBackoff(ctx)

	return nil
}

func (e *Engine) runResponder(ctx context.Context, responder dnssd.Responder) {
	if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
		e.log.WithError(err).Error("mdns responder stopped unexpectedly")
		e.publishError("DISCOVERY_FAILED", err.Error())
		e.reportFatal(fmt.Errorf("discovery: responder: %w", err))
	}
}

// Wait blocks until a subsystem reports a fatal error or ctx is cancelled
// (the normal shutdown path, via Stop), whichever comes first. Intended to
// be run as an errgroup member alongside the protocol server and dispatcher.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case err := <-e.fatal:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// runBrowseWithBackoff drives LookupType, retrying the backend connection
// with exponential backoff (1s doubling to a 30s cap, 10 attempts) on
// failure, per spec's recovery policy. Cached peers survive reconnection;
// they are only purged on Stop.
func (e *Engine) runBrowseWithBackoff(ctx context.Context) {
	delay := backoffInitial
	for attempt := 0; attempt < backoffAttempts; attempt++ {
		err := dnssd.LookupType(ctx, browseType, e.onAdd, e.onRemove)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A clean return while ctx is still live: browse again at
			// once, without backoff. This still counts as an attempt.
			continue
		}
		e.log.WithError(err).WithField("attempt", attempt+1).Warn("mdns browse failed, backing off")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
	e.log.Error("mdns browse exhausted reconnection attempts")
	e.publishError("DISCOVERY_FAILED", "exhausted reconnection attempts")
	e.reportFatal(fmt.Errorf("discovery: browse exhausted reconnection attempts"))
}

func (e *Engine) onAdd(entry dnssd.BrowseEntry) {
	var rec txtRecord
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "mapstructure", Result: &rec})
	if err != nil {
		return
	}
	if err := decoder.Decode(entry.Text); err != nil {
		e.log.WithError(err).Debug("dropping peer with unparseable TXT record")
		return
	}

	if rec.ID == "" || rec.Name == "" || rec.Platform == "" || rec.Fingerprint == "" || rec.Port == "" {
		e.log.Debug("dropping peer with missing required TXT field")
		return
	}
	portNum, err := strconv.Atoi(rec.Port)
	if err != nil || portNum < 1 || portNum > 65535 {
		e.log.Debug("dropping peer with invalid port")
		return
	}

	if rec.ID == e.localDeviceID {
		return
	}

	host := entry.Host
	if len(entry.IPs) > 0 {
		host = entry.IPs[0].String()
	}

	peer := PeerRecord{
		DeviceID:    rec.ID,
		Name:        rec.Name,
		Platform:    rec.Platform,
		Host:        host,
		Port:        portNum,
		Fingerprint: rec.Fingerprint,
	}

	e.mu.Lock()
	e.peers[peer.DeviceID] = peer
	e.mu.Unlock()

	if e.dispatcher != nil {
		e.dispatcher.Publish(events.Event{
			Kind: events.KindPeerDiscovered,
			Peer: events.PeerInfo{
				DeviceID:    peer.DeviceID,
				Name:        peer.Name,
				Platform:    peer.Platform,
				Host:        peer.Host,
				Port:        peer.Port,
				Fingerprint: peer.Fingerprint,
			},
		})
	}
}

func (e *Engine) onRemove(entry dnssd.BrowseEntry) {
	var rec txtRecord
	_ = mapstructure.Decode(entry.Text, &rec)

	e.mu.Lock()
	deviceID := rec.ID
	if deviceID == "" {
		// Fall back to matching by instance name if TXT data isn't present
		// on the goodbye record.
		for id, p := range e.peers {
			if p.Name == entry.Name {
				deviceID = id
				break
			}
		}
	}
	_, existed := e.peers[deviceID]
	delete(e.peers, deviceID)
	e.mu.Unlock()

	if existed && e.dispatcher != nil {
		e.dispatcher.Publish(events.Event{Kind: events.KindPeerLost, LostDeviceID: deviceID})
	}
}

func (e *Engine) publishError(code, message string) {
	if e.dispatcher != nil {
		e.dispatcher.Publish(events.Event{Kind: events.KindError, ErrorCode: code, Message: message})
	}
}

// Stop unregisters the local service, stops browsing, and releases all
// resources. Cached peers are purged.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	responder := e.responder
	e.peers = make(map[string]PeerRecord)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if responder != nil {
		responder.Remove(e.handle)
	}
}

// Rename updates the advertised instance name and TXT name= field. Because
// brutella/dnssd does not expose an in-place TXT update on a live handle in
// the evidence available, this re-publishes the service record under the
// new name by adding a new record and removing the old one. It touches only
// the advertised record: the browse loop and peer cache are left running, so
// a renamed device does not lose visibility of already-discovered peers and
// fires no spurious on_peer_lost events. If the engine isn't running yet,
// it falls back to Start.
func (e *Engine) Rename(newName, platform string, port int, fingerprint string) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return e.Start(newName, platform, port, fingerprint)
	}
	responder := e.responder
	oldHandle := e.handle
	e.mu.Unlock()

	cfg := e.recordConfig(newName, platform, port, fingerprint)
	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("discovery: build renamed service record: %w", err)
	}

	newHandle, err := responder.Add(svc)
	if err != nil {
		return fmt.Errorf("discovery: register renamed service: %w", err)
	}
	responder.Remove(oldHandle)

	e.mu.Lock()
	e.handle = newHandle
	e.mu.Unlock()

	return nil
}

// ListPeers returns a thread-safe snapshot of every currently-visible peer.
func (e *Engine) ListPeers() []PeerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PeerRecord, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}
