// Command warpdeckd runs the WarpDeck daemon. It is the one piece of
// front-end the module needs to be runnable at all; the interactive CLI,
// progress rendering, and opaque-handle embedder glue are out of scope.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/deepc0py/WarpDeck/internal/config"
	"github.com/deepc0py/WarpDeck/internal/core"
	"github.com/deepc0py/WarpDeck/internal/corelog"
	"github.com/deepc0py/WarpDeck/internal/events"
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir(), "config directory")
	name := flag.String("name", "", "override device name")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := logrus.InfoLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	corelog.Init(level, os.Stderr)
	log := corelog.Component("daemon")

	if err := os.MkdirAll(*configDir, 0o700); err != nil {
		log.WithError(err).Fatal("cannot create config directory")
	}

	callbacks := events.Callbacks{
		OnPeerDiscovered: func(p events.PeerInfo) {
			log.WithField("peer", p.Name).Info("peer discovered")
		},
		OnPeerLost: func(deviceID string) {
			log.WithField("device_id", deviceID).Info("peer lost")
		},
		OnIncomingTransferRequest: func(transferID, peerDeviceID string, files []events.FileMeta) {
			log.WithFields(logrus.Fields{"transfer_id": transferID, "peer": peerDeviceID, "files": len(files)}).Info("incoming transfer request")
		},
		OnTransferProgressUpdate: func(transferID string, percent int, bytes int64) {
			log.WithFields(logrus.Fields{"transfer_id": transferID, "percent": percent}).Debug("transfer progress")
		},
		OnTransferCompleted: func(transferID string, success bool, message string) {
			log.WithFields(logrus.Fields{"transfer_id": transferID, "success": success}).Info("transfer completed")
		},
		OnError: func(code, message string) {
			log.WithField("code", code).Error(message)
		},
	}

	c, err := core.Create(*configDir, callbacks)
	if err != nil {
		log.WithError(err).Fatal("failed to create core")
	}

	if err := c.Start(); err != nil {
		log.WithError(err).Fatal("failed to start core")
	}
	log.Info("warpdeckd started")

	if *name != "" {
		if err := c.SetDeviceName(*name); err != nil {
			log.WithError(err).Warn("failed to set device name")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := c.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown error:", err)
	}
}
