package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/rns-mesh/gwnode/pkg/appagent"
	"github.com/rns-mesh/gwnode/pkg/core"
	"github.com/rns-mesh/gwnode/pkg/link"
	"github.com/rns-mesh/gwnode/pkg/transport"
	"github.com/rns-mesh/gwnode/pkg/transport/audiomodem"
	"github.com/rns-mesh/gwnode/pkg/transport/localradio"
	"github.com/rns-mesh/gwnode/pkg/transport/lora"
	"github.com/rns-mesh/gwnode/pkg/transport/serial"
	"github.com/rns-mesh/gwnode/pkg/transport/udpdatagram"
)

// tomlConfig describes the TOML configuration file, mirroring
// cmd/dtnd/configuration.go's tomlConfig struct-of-structs shape.
type tomlConfig struct {
	Node      nodeConf
	Timing    timingConf
	Interface []interfaceConf
	AppAgent  appAgentConf `toml:"appagent"`
	Logging   logConf
}

// nodeConf describes the [node] block.
type nodeConf struct {
	Store  string
	Groups []string
}

// timingConf describes the [timing] block; the "-s" fields are durations
// in seconds and the others are counts, zero meaning "use the package
// default" for both. Field names mirror
// spec.md §6's Configuration list.
type timingConf struct {
	AnnounceInterval      uint `toml:"announce-interval-s"`
	RouteTTL              uint `toml:"route-ttl-s"`
	PruneInterval         uint `toml:"prune-interval-s"`
	RecentAnnounceWindow  uint `toml:"recent-announce-window-s"`
	MaxRecentAnnounces    int  `toml:"max-recent-announces"`
	MaxRoutes             int  `toml:"max-routes"`
	LinkReqTimeout        uint `toml:"link-req-timeout-s"`
	LinkRetryTimeout      uint `toml:"link-retry-timeout-s"`
	LinkInactivityTimeout uint `toml:"link-inactivity-timeout-s"`
	LinkMaxRetries        int  `toml:"link-max-retries"`
	LinkMaxActive         int  `toml:"link-max-active"`
}

// interfaceConf describes one [[interface]] block, tagged by Kind.
type interfaceConf struct {
	Kind string

	// serial / audiomodem
	Device string
	Baud   int

	// lora
	// (reuses Device)

	// udpdatagram
	ListenAddr        string `toml:"listen-addr"`
	DiscoveryPort     int    `toml:"discovery-port"`
	DiscoveryInterval uint   `toml:"discovery-interval-s"`

	// localradio
	BroadcastAddr string `toml:"broadcast-addr"`
}

// appAgentConf describes the [appagent] block.
type appAgentConf struct {
	Listen string
}

// logConf describes the [logging] block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

func seconds(n uint) time.Duration {
	return time.Duration(n) * time.Second
}

func parseGroups(raw []string) ([][8]byte, error) {
	groups := make([][8]byte, 0, len(raw))
	for _, g := range raw {
		b, err := hex.DecodeString(g)
		if err != nil {
			return nil, fmt.Errorf("node.groups %q: %w", g, err)
		}
		if len(b) != 8 {
			return nil, fmt.Errorf("node.groups %q: must be 8 bytes hex-encoded", g)
		}
		var prefix [8]byte
		copy(prefix[:], b)
		groups = append(groups, prefix)
	}
	return groups, nil
}

// parseInterface opens the transport driver described by conv and registers
// it under mgr, matching cmd/dtnd/configuration.go's parseListen dispatch by
// protocol/kind.
func parseInterface(conv interfaceConf, mgr *transport.Manager) error {
	switch conv.Kind {
	case "serial":
		d, err := serial.Open(serial.Config{Device: conv.Device, Baud: conv.Baud})
		if err != nil {
			return err
		}
		return mgr.Register(d)

	case "audiomodem":
		d, err := audiomodem.Open(audiomodem.Config{Device: conv.Device, Baud: conv.Baud})
		if err != nil {
			return err
		}
		return mgr.Register(d)

	case "lora":
		d, err := lora.Open(conv.Device)
		if err != nil {
			return err
		}
		return mgr.Register(d)

	case "udpdatagram":
		d, err := udpdatagram.Open(udpdatagram.Config{
			ListenAddr:        conv.ListenAddr,
			DiscoveryPort:     conv.DiscoveryPort,
			DiscoveryInterval: seconds(conv.DiscoveryInterval),
		})
		if err != nil {
			return err
		}
		return mgr.Register(d)

	case "localradio":
		d, err := localradio.Open(localradio.Config{
			ListenAddr:    conv.ListenAddr,
			BroadcastAddr: conv.BroadcastAddr,
		})
		if err != nil {
			return err
		}
		return mgr.Register(d)

	default:
		return fmt.Errorf("unknown interface.kind %q", conv.Kind)
	}
}

func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("Unknown logging format")
	}
}

// node bundles everything parseNode constructs, handed back to main for the
// lifetime of the process.
type node struct {
	core       *core.Core
	transports *transport.Manager
	hub        *appagent.Hub
	httpSrv    *http.Server
	packetIDs  *core.PacketIDCounter
	watcher    *fsnotify.Watcher
}

// Close tears the node down: the HTTP/websocket surface first (so no new
// client work starts), then the forwarding engine, then every transport
// driver, aggregating failures the way the teacher's cla.Manager.Close
// does.
func (n *node) Close() error {
	if n.watcher != nil {
		n.watcher.Close()
	}
	if n.httpSrv != nil {
		if err := n.httpSrv.Close(); err != nil {
			log.WithError(err).Warn("gwnoded: closing appagent HTTP server")
		}
	}
	n.hub.Close()
	n.core.Close()
	return n.transports.Close()
}

// watchConfig reloads the hot-swappable subset of filename's configuration
// (logging, subscribed groups, announce interval) into n.core on every
// write, per SPEC_FULL.md §2. Transport and link-timing changes are
// ignored until the next restart.
func watchConfig(filename string, n *node) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("gwnoded: failed to reload config")
					continue
				}
				groups, err := parseGroups(conf.Node.Groups)
				if err != nil {
					log.WithError(err).Warn("gwnoded: failed to reload node.groups")
					continue
				}

				setupLogging(conf.Logging)
				n.core.Reload(groups, seconds(conf.Timing.AnnounceInterval))
				log.Info("gwnoded: reloaded configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("gwnoded: config watcher error")
			}
		}
	}()

	return watcher, nil
}

// parseNode builds a running node from the TOML configuration at filename,
// mirroring cmd/dtnd/configuration.go's parseCore.
func parseNode(filename string) (*node, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, err
	}

	setupLogging(conf.Logging)

	if conf.Node.Store == "" {
		return nil, fmt.Errorf("node.store is empty")
	}

	store, err := core.NewFileStore(conf.Node.Store)
	if err != nil {
		return nil, err
	}

	self, err := core.LoadOrCreateIdentity(store)
	if err != nil {
		return nil, err
	}
	log.WithField("address", self).Info("gwnoded: node identity loaded")

	groups, err := parseGroups(conf.Node.Groups)
	if err != nil {
		return nil, err
	}

	packetIDs := core.NewPacketIDCounter(store)

	transports := transport.NewManager(0)
	for _, ifaceConf := range conf.Interface {
		if err := parseInterface(ifaceConf, transports); err != nil {
			log.WithFields(log.Fields{
				"kind":  ifaceConf.Kind,
				"error": err,
			}).Warn("gwnoded: failed to bring up interface")
		}
	}

	t := conf.Timing
	cfg := core.Config{
		Groups:             groups,
		AnnounceInterval:   seconds(t.AnnounceInterval),
		RouteTTL:           seconds(t.RouteTTL),
		PruneInterval:      seconds(t.PruneInterval),
		RecentWindow:       seconds(t.RecentAnnounceWindow),
		MaxRecentAnnounces: t.MaxRecentAnnounces,
		MaxRoutes:          t.MaxRoutes,
		LinkMaxActive:      t.LinkMaxActive,
		Link: link.Config{
			ReqTimeout:        seconds(t.LinkReqTimeout),
			RetryTimeout:      seconds(t.LinkRetryTimeout),
			InactivityTimeout: seconds(t.LinkInactivityTimeout),
			MaxRetries:        t.LinkMaxRetries,
		},
	}

	hub := appagent.NewHub()

	c := core.New(self, transports, packetIDs, cfg, hub.Deliver)
	hub.Bind(c)

	n := &node{core: c, transports: transports, hub: hub, packetIDs: packetIDs}

	if conf.AppAgent.Listen != "" {
		srv := appagent.NewServer(hub, c.Table(), c)
		n.httpSrv = &http.Server{Addr: conf.AppAgent.Listen, Handler: srv}
		go func() {
			if err := n.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("gwnoded: appagent HTTP server exited")
			}
		}()
	}

	if watcher, err := watchConfig(filename, n); err != nil {
		log.WithError(err).Warn("gwnoded: config hot-reload disabled")
	} else {
		n.watcher = watcher
	}

	return n, nil
}
