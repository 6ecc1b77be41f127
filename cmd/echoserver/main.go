package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wireforge/peerlink/pkg/logging"
	"github.com/wireforge/peerlink/pkg/transport"
	"github.com/wireforge/peerlink/pkg/wire"
)

const (
	Version = "1.0.0"
	Author  = "wireforge"
)

func main() {
	logging.Banner("Peerlink Echo Server", Version)

	cfgPath := "echoserver.toml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := transport.LoadConfigFile(cfgPath)
	if err != nil {
		logging.Warn("could not load %s (%v), falling back to defaults", cfgPath, err)
		cfg = transport.DefaultConfig()
		cfg.AppIdentifier = "peerlink-echoserver"
	}

	logging.Info("App identifier: %s", cfg.AppIdentifier)
	logging.Info("Port: %d", cfg.Port)
	logging.Info("Maximum connections: %d", cfg.MaximumConnections)
	logging.Info("Window size: %d", cfg.WindowSize)
	logging.Success("Configuration loaded successfully")

	peer, err := transport.NewPeer(cfg, nil)
	if err != nil {
		logging.Fatal("construct peer: %v", err)
	}
	peer.SetDiscoveryInfo(func() transport.DiscoveryInfo {
		return transport.DiscoveryInfo{
			ClientCount: len(peer.Connections()),
			MaxClients:  cfg.MaximumConnections,
			Hostname:    "echoserver",
			GameMode:    "echo",
		}
	})
	setupEvents(peer)

	if err := peer.Start(); err != nil {
		logging.Fatal("start peer: %v", err)
	}
	logging.Success("Listening on UDP port %d", cfg.Port)

	go echoLoop(peer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logging.Warn("received signal: %v", sig)
	logging.Info("shutting down gracefully...")

	if err := peer.Shutdown(); err != nil {
		logging.Error("shutdown: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	logging.Success("peer stopped")
}

// echoLoop bounces every received message back to its sender on
// ReliableOrdered channel 0, whatever method it arrived on, the way the
// teacher's server loop relayed player packets back out to nearby
// clients.
func echoLoop(peer *transport.Peer) {
	for {
		msg := peer.Receive()
		if msg == nil {
			return
		}
		if msg.SenderAddr != nil {
			peer.Send(msg.SenderAddr, wire.ReliableOrdered, 0, msg.Payload)
		}
		peer.ReleaseMessage(msg)
	}
}

func setupEvents(peer *transport.Peer) {
	peer.Events.OnConnectionApproval(func(e transport.ConnectionApprovalEvent) {
		logging.Info("connect request from %s", e.Connection.Addr)
		e.Approve()
	})
	peer.Events.OnConnectionEstablished(func(e transport.ConnectionEstablishedEvent) {
		logging.Success("connection established: %s", e.Connection.Addr)
	})
	peer.Events.OnStatusChanged(func(e transport.StatusChangedEvent) {
		if e.Status == transport.StateDisconnected {
			logging.Warn("connection closed: %s (%s)", e.Connection.Addr, e.Reason)
		}
	})
}
