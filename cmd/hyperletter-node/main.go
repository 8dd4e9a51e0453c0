// Command hyperletter-node is a thin CLI that exercises Socket end to
// end: it loads a YAML config, optionally binds a listen address,
// dials every configured peer, and blocks until terminated.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hugoterelle/hyperletter/internal/channel"
	"github.com/hugoterelle/hyperletter/internal/config"
	"github.com/hugoterelle/hyperletter/internal/letter"
	"github.com/hugoterelle/hyperletter/internal/logging"
	"github.com/hugoterelle/hyperletter/internal/observability"
	"github.com/hugoterelle/hyperletter/internal/socket"
)

func main() {
	configPath := flag.String("config", "/etc/hyperletter/node.yaml", "path to node config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, cfg.NodeIDRaw.String())
	defer logCloser.Close()

	var eventLog *observability.EventLog
	if cfg.Observability.EventLogFile != "" {
		eventLog, err = observability.OpenEventLog(cfg.Observability.EventLogFile, cfg.Observability.EventLogMaxLines)
		if err != nil {
			logger.Error("opening event log", "error", err)
			os.Exit(1)
		}
		defer eventLog.Close()
	}

	events := newNodeEvents(cfg.NodeIDRaw.String(), cfg.Logging.PeerLogDir, eventLog, logger)
	defer events.closeAll()

	sock := socket.New(events.callbacks(),
		socket.WithNodeID(cfg.NodeIDRaw),
		socket.WithHeartbeatInterval(cfg.Heartbeat.Interval),
		socket.WithReconnectDelay(cfg.Heartbeat.ReconnectDelay),
		socket.WithMaxPendingRetry(cfg.MaxPendingRetry),
		socket.WithLogger(logger),
	)
	defer sock.Dispose()

	logger.Info("node starting", "node_id", sock.NodeID().String())

	if cfg.Listen != "" {
		if err := sock.Bind(cfg.Listen); err != nil {
			logger.Error("bind failed", "listen", cfg.Listen, "error", err)
			os.Exit(1)
		}
		logger.Info("listening", "addr", cfg.Listen)
	}

	for _, peer := range cfg.Peers {
		binding, err := channel.ParseBinding(peer)
		if err != nil {
			logger.Error("parsing peer address", "peer", peer, "error", err)
			os.Exit(1)
		}
		if err := sock.Connect(binding); err != nil {
			logger.Error("connect failed", "peer", peer, "error", err)
			os.Exit(1)
		}
		logger.Info("dialing peer", "peer", peer)
	}

	reporter, err := observability.NewReporter(cfg.Observability.ReportSchedule, sock, logger)
	if err != nil {
		logger.Error("starting reporter", "error", err)
		os.Exit(1)
	}
	reporter.Start()
	defer reporter.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
}

// nodeEvents wires Socket's lifecycle events into the optional durable
// event log and, per peer, an optional DEBUG trace file. Application
// payload delivery (Sent/Received) has no generic CLI handler and is
// left for a real caller to supply via the library API.
type nodeEvents struct {
	nodeID     string
	peerLogDir string
	eventLog   *observability.EventLog
	logger     *slog.Logger

	mu      sync.Mutex
	peers   map[string]*slog.Logger
	closers map[string]io.Closer
}

func newNodeEvents(nodeID, peerLogDir string, eventLog *observability.EventLog, logger *slog.Logger) *nodeEvents {
	return &nodeEvents{
		nodeID:     nodeID,
		peerLogDir: peerLogDir,
		eventLog:   eventLog,
		logger:     logger,
		peers:      make(map[string]*slog.Logger),
		closers:    make(map[string]io.Closer),
	}
}

func (n *nodeEvents) logEvent(typ observability.EventType, binding socket.Binding, reason string) {
	n.peerLogger(binding.String()).Info("event", "type", string(typ), "reason", reason)
	if n.eventLog == nil {
		return
	}
	if err := n.eventLog.Append(observability.Event{Type: typ, Binding: binding.String(), Reason: reason}); err != nil {
		n.logger.Warn("writing event log", "error", err)
	}
}

// peerLogger returns binding's dedicated logger, opening its trace
// file on first use and caching it. Callers never close it directly;
// closeAll handles that at process shutdown.
func (n *nodeEvents) peerLogger(binding string) *slog.Logger {
	if n.peerLogDir == "" {
		return n.logger
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if peerLog, ok := n.peers[binding]; ok {
		return peerLog
	}

	peerLog, closer, _, err := logging.NewPeerLogger(n.logger, n.peerLogDir, n.nodeID, binding)
	if err != nil {
		n.logger.Warn("opening peer log", "binding", binding, "error", err)
		return n.logger
	}
	n.peers[binding] = peerLog
	n.closers[binding] = closer
	return peerLog
}

func (n *nodeEvents) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.closers {
		c.Close()
	}
}

func (n *nodeEvents) callbacks() socket.Callbacks {
	return socket.Callbacks{
		Connected: func(binding socket.Binding) {
			n.logEvent(observability.EventConnected, binding, "")
		},
		Disconnected: func(binding socket.Binding, reason channel.DisconnectReason) {
			n.logEvent(observability.EventDisconnected, binding, reason.String())
		},
		Lost: func(l letter.Letter) {
			n.logger.Warn("letter lost", "type", l.Type.String())
		},
	}
}
