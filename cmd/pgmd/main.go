/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/pgm/stats"
	"github.com/facebookincubator/pgm/transport"
	"github.com/facebookincubator/pgm/wire"
)

func main() {
	var (
		iface      string
		localIP    string
		group      string
		port       int
		ttl        int
		dscp       int
		sourcePort int
		canSend    bool
		canRecv    bool
		passive    bool
		maxTPDU    int
		ambientSPM time.Duration
		rsK, rsH   int
		ondemand   bool
		proactive  bool
		monAddr    string
		debugAddr  string
		logLevel   string
		configFile string
	)

	flag.StringVar(&iface, "iface", "eth0", "multicast-capable interface to bind on")
	flag.StringVar(&localIP, "ip", "", "local unicast IP to bind on")
	flag.StringVar(&group, "group", "239.0.0.1", "multicast group address")
	flag.IntVar(&port, "port", 7500, "UDP encapsulation port")
	flag.IntVar(&ttl, "ttl", 1, "multicast TTL/hop limit")
	flag.IntVar(&dscp, "dscp", 0, "DSCP for outgoing packets, 0-63")
	flag.IntVar(&sourcePort, "sourceport", 1000, "this transport's PGM source port")
	flag.BoolVar(&canSend, "send", false, "enable the source role")
	flag.BoolVar(&canRecv, "recv", true, "enable the receiver role")
	flag.BoolVar(&passive, "passive", false, "receive-only, suppress NAK emission")
	flag.IntVar(&maxTPDU, "maxtpdu", 1500, "maximum transmission unit")
	flag.DurationVar(&ambientSPM, "ambientspm", 30*time.Second, "ambient SPM interval")
	flag.BoolVar(&proactive, "proactive-fec", false, "send proactive parity packets per transmission group")
	flag.BoolVar(&ondemand, "ondemand-fec", false, "build parity repairs on request")
	flag.IntVar(&rsK, "fec-k", 0, "Reed-Solomon k (original packets per transmission group)")
	flag.IntVar(&rsH, "fec-h", 0, "Reed-Solomon h (parity packets per transmission group)")
	flag.StringVar(&monAddr, "monitoringaddr", ":8889", "host:port to serve /stats.json and /metrics on")
	flag.StringVar(&debugAddr, "pprofaddr", "", "host:port for the pprof endpoint")
	flag.StringVar(&logLevel, "loglevel", "warning", "log level: debug, info, warning, error")
	flag.StringVar(&configFile, "config", "", "path to a YAML DynamicConfig overriding the timing/FEC flags above")
	flag.Parse()

	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", logLevel)
	}

	if dscp < 0 || dscp > 63 {
		log.Fatalf("unsupported DSCP value %v", dscp)
	}

	ip := net.ParseIP(localIP)
	if ip == nil {
		log.Fatalf("invalid -ip %q", localIP)
	}
	groupIP := net.ParseIP(group)
	if groupIP == nil {
		log.Fatalf("invalid -group %q", group)
	}

	if debugAddr != "" {
		log.Warningf("starting profiler on %s", debugAddr)
		go func() {
			log.Println(http.ListenAndServe(debugAddr, nil))
		}()
	}

	iface0, err := net.InterfaceByName(iface)
	if err != nil {
		log.Fatalf("resolving interface %q: %v", iface, err)
	}
	gsi, err := wire.GSIFromMAC(iface0.HardwareAddr)
	if err != nil {
		log.Fatalf("deriving GSI from interface %q: %v", iface, err)
	}

	cfg := transport.Config{
		Interface:          iface,
		LocalIP:            ip,
		Group:              groupIP,
		Port:               port,
		TTL:                ttl,
		DSCP:               dscp,
		SourcePort:         uint16(sourcePort),
		CanSend:            canSend,
		CanRecv:            canRecv,
		Passive:            passive,
		MaxTPDU:            maxTPDU,
		HeaderOverhead:     28,
		SPMAmbientInterval: ambientSPM,
		HeartbeatIntervals: []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond, 0},
		NakBOIvl:           50 * time.Millisecond,
		NakRptIvl:          200 * time.Millisecond,
		NakRDataIvl:        500 * time.Millisecond,
		NakNCFRetries:      5,
		NakDataRetries:     5,
		SPMRExpiry:         4 * time.Second,
		PeerExpiry:         5 * ambientSPM,
		UseProactiveParity: proactive,
		UseOndemandParity:  ondemand,
		RSK:                rsK,
		RSH:                rsH,
	}

	if configFile != "" {
		dc, err := transport.ReadDynamicConfig(configFile)
		if err != nil {
			log.Fatalf("reading -config %q: %v", configFile, err)
		}
		dc.Apply(&cfg)
	}

	tr, err := transport.Create(cfg, gsi)
	if err != nil {
		log.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Bind(ctx); err != nil {
		log.Fatalf("bind: %v", err)
	}

	log.WithField("monitoringaddr", monAddr).Info("serving stats")
	mux := http.NewServeMux()
	mux.HandleFunc("/stats.json", tr.Stats.JSONHandler())
	mux.Handle("/metrics", stats.NewPrometheusExporter(tr.Stats).Handler())
	monServer := &http.Server{Addr: monAddr, Handler: mux}
	go func() {
		if err := monServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warning("monitoring server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	if err := tr.Destroy(true); err != nil {
		log.WithError(err).Warning("destroy")
	}
	_ = monServer.Close()
	fmt.Fprintln(os.Stderr, "pgmd stopped")
}
