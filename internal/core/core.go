// Package core implements the Core façade: the embedder-facing operation
// set (create/destroy/start/stop/set_device_name/initiate_transfer/
// respond_to_transfer/cancel_transfer/get_trusted_devices/
// remove_trusted_device) wiring the Identity Store, Discovery Engine,
// Protocol Server/Client, Transfer State Machine, and Event Surface
// together.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deepc0py/WarpDeck/internal/config"
	"github.com/deepc0py/WarpDeck/internal/corelog"
	"github.com/deepc0py/WarpDeck/internal/discovery"
	"github.com/deepc0py/WarpDeck/internal/events"
	"github.com/deepc0py/WarpDeck/internal/identity"
	"github.com/deepc0py/WarpDeck/internal/protocol"
	"github.com/deepc0py/WarpDeck/internal/transfer"
)

const protocolVersion = "1.0"

// Core owns exactly one instance of every subsystem and is the sole
// point of contact for an embedder.
type Core struct {
	log *logrus.Entry

	cfg        config.Config
	identity   *identity.Store
	discovery  *discovery.Engine
	server     *protocol.Server
	client     *protocol.Client
	machine    *transfer.Machine
	dispatcher *events.Dispatcher

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Create performs the identity-store/config-directory initialization that
// is fatal to the whole daemon if it fails. It does not start networking.
func Create(configDir string, callbacks events.Callbacks) (*Core, error) {
	log := corelog.Component("core")

	cfg := config.Load(configDir, corelog.Component("config"))

	dispatcher := events.NewDispatcher(callbacks, corelog.Component("events"))

	identityStore := identity.New(configDir, corelog.Component("identity"))
	if err := identityStore.Initialize(); err != nil {
		return nil, fmt.Errorf("core: initialize identity store: %w", err)
	}
	if _, err := identityStore.EnsureCertificate(cfg.DeviceName, cfg.Platform, protocolVersion); err != nil {
		return nil, fmt.Errorf("core: ensure certificate: %w", err)
	}

	c := &Core{
		log:        log,
		cfg:        cfg,
		identity:   identityStore,
		dispatcher: dispatcher,
	}

	c.machine = transfer.New(dispatcher, c.isPeerTrusted, corelog.Component("transfer"))
	c.discovery = discovery.New(identityStore.Identity().ID, dispatcher, corelog.Component("discovery"))
	c.client = protocol.NewClient(identityStore, corelog.Component("protocol.client"))
	c.server = protocol.NewServer(identityStore, c.machine, c.lookupPeer, cfg.DownloadDir, corelog.Component("protocol.server"))

	return c, nil
}

func (c *Core) isPeerTrusted(deviceID, fingerprint string) bool {
	return c.identity.IsTrusted(deviceID, fingerprint)
}

func (c *Core) lookupPeer(fingerprint string) (deviceID, name string, ok bool) {
	for _, p := range c.discovery.ListPeers() {
		if p.Fingerprint == fingerprint {
			return p.DeviceID, p.Name, true
		}
	}
	for _, t := range c.identity.ListTrusted() {
		if t.Fingerprint == fingerprint {
			return t.DeviceID, t.Name, true
		}
	}
	return "", "", false
}

// Start binds the protocol server and publishes the discovery record, then
// launches the protocol server, discovery engine, and event dispatcher as
// members of one errgroup. If any member returns a fatal error, the
// group's derived context is cancelled, which the watcher goroutine below
// uses to tear the remaining subsystems down together.
func (c *Core) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	c.group = group

	if err := c.server.Start(c.cfg.PreferredPort); err != nil {
		cancel()
		return fmt.Errorf("core: start protocol server: %w", err)
	}

	id := c.identity.Identity()
	if err := c.discovery.Start(id.Name, id.Platform, c.server.Port(), id.Fingerprint); err != nil {
		cancel()
		return fmt.Errorf("core: start discovery: %w", err)
	}

	group.Go(func() error {
		c.dispatcher.Run()
		return nil
	})
	group.Go(func() error {
		return c.server.Serve()
	})
	group.Go(func() error {
		return c.discovery.Wait(gctx)
	})

	go func() {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		c.server.Stop(shutdownCtx)
		c.discovery.Stop()
		c.dispatcher.Stop()
	}()

	return nil
}

// Stop signals the errgroup's root context, which triggers Start's watcher
// goroutine to shut every subsystem down, then joins them and reports the
// first non-nil error any subsystem returned.
func (c *Core) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Destroy does nothing: Stop already releases every resource Core holds.
// Present for embedder-contract symmetry with create/start/stop.
func (c *Core) Destroy() {}

// SetDeviceName updates the mutable device name and re-publishes the
// discovery record under the new name.
func (c *Core) SetDeviceName(name string) error {
	c.identity.SetName(name)
	id := c.identity.Identity()
	return c.discovery.Rename(name, id.Platform, c.server.Port(), id.Fingerprint)
}

// InitiateTransfer implements initiate_transfer(peer_device_id, paths). It
// allocates a SENDING session synchronously and drives the actual HTTP
// request and uploads on a background goroutine, updating the state
// machine as the peer responds.
func (c *Core) InitiateTransfer(peerDeviceID string, filePaths []string) (string, error) {
	var peer *discovery.PeerRecord
	for _, p := range c.discovery.ListPeers() {
		if p.DeviceID == peerDeviceID {
			rec := p
			peer = &rec
			break
		}
	}
	if peer == nil {
		return "", fmt.Errorf("core: peer %s not currently visible", peerDeviceID)
	}

	transferID, err := c.machine.InitiateTransfer(peer.DeviceID, peer.Name, peer.Host, peer.Port, peer.Fingerprint, filePaths)
	if err != nil {
		return "", err
	}
	if transferID == "" {
		return "", nil
	}

	go c.driveSend(transferID, *peer, filePaths)

	return transferID, nil
}

func (c *Core) driveSend(transferID string, peer discovery.PeerRecord, filePaths []string) {
	session, ok := c.machine.GetSession(transferID)
	if !ok {
		return
	}

	txFiles := make([]protocol.TxFile, len(session.Files))
	for i, f := range session.Files {
		txFiles[i] = protocol.TxFile{Name: f.Name, Size: f.Size, Hash: f.Hash}
	}

	resp := c.client.RequestTransfer(peer.Host, peer.Port, peer.Fingerprint, protocol.TxRequest{Files: txFiles})
	if resp.StatusCode == http.StatusForbidden {
		c.machine.MarkSendingDeclined(transferID)
		return
	}
	if !resp.Success {
		c.machine.MarkSendingFailed(transferID, resp.Error)
		return
	}

	c.machine.MarkSendingApproved(transferID, time.Now().Add(30*time.Minute))

	// index follows session.Files, which leaves out paths that did not
	// exist when the transfer was initiated.
	index := 0
	for _, path := range filePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			c.machine.MarkSendingFailed(transferID, err.Error())
			return
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			c.machine.MarkSendingFailed(transferID, err.Error())
			return
		}

		uploadResp := c.client.UploadFile(peer.Host, peer.Port, peer.Fingerprint, transferID, index, f)
		f.Close()
		if !uploadResp.Success {
			c.machine.MarkSendingFailed(transferID, uploadResp.Error)
			return
		}
		c.machine.RecordSentProgress(transferID, info.Size())
		index++
	}

	c.machine.MarkSendingCompleted(transferID)
}

// RespondToTransfer implements respond_to_transfer(id, accept). On accept
// of a previously-unknown peer, the peer is paired into the trust store --
// acceptance is this daemon's only user-confirmation surface for pairing.
func (c *Core) RespondToTransfer(transferID string, accept bool) error {
	if accept {
		if session, ok := c.machine.GetSession(transferID); ok {
			if !c.identity.IsTrusted(session.PeerDeviceID, session.PeerFingerprint) {
				if err := c.identity.AddTrusted(session.PeerDeviceID, session.PeerFingerprint, session.PeerName); err != nil {
					c.log.WithError(err).Warn("failed to pair peer on accept")
				}
			}
		}
	}
	return c.machine.RespondToTransfer(transferID, accept)
}

// CancelTransfer implements cancel_transfer(id).
func (c *Core) CancelTransfer(transferID string) error {
	return c.machine.CancelTransfer(transferID)
}

// GetPeerInfo queries a discovered peer's /api/v1/info directly, bypassing
// the discovery cache. Useful for an embedder confirming a peer is still
// reachable before calling InitiateTransfer.
func (c *Core) GetPeerInfo(peerDeviceID string) (protocol.DeviceInfo, error) {
	for _, p := range c.discovery.ListPeers() {
		if p.DeviceID == peerDeviceID {
			resp := c.client.GetDeviceInfo(p.Host, p.Port, p.Fingerprint)
			if !resp.Success {
				return protocol.DeviceInfo{}, fmt.Errorf("core: get peer info: %s", resp.Error)
			}
			var info protocol.DeviceInfo
			if err := json.Unmarshal(resp.Body, &info); err != nil {
				return protocol.DeviceInfo{}, fmt.Errorf("core: decode peer info: %w", err)
			}
			return info, nil
		}
	}
	return protocol.DeviceInfo{}, fmt.Errorf("core: peer %s not currently visible", peerDeviceID)
}

// GetTrustedDevices implements get_trusted_devices.
func (c *Core) GetTrustedDevices() []identity.TrustedPeer {
	return c.identity.ListTrusted()
}

// RemoveTrustedDevice implements remove_trusted_device(id).
func (c *Core) RemoveTrustedDevice(deviceID string) error {
	return c.identity.RemoveTrusted(deviceID)
}

const shutdownGrace = 5 * time.Second
