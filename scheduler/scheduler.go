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

// Package scheduler implements the transport's timer event loop (spec
// §4.G): it multiplexes ambient/heartbeat SPM emission, NAK back-off
// and confirmation expiry, RDATA emission and peer expiration onto one
// goroutine, woken by wake channels standing in for the source's wake
// pipes (spec §9 "wake pipes become unbounded channels"). Grounded on
// the teacher's SubscriptionClient ticker loop
// (ptp/ptp4u/server/subscription.go Start) and Server.Start's
// goroutine-per-duty/WaitGroup shutdown (ptp/ptp4u/server/server.go).
package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/pgm/peer"
	"github.com/facebookincubator/pgm/receiver"
	"github.com/facebookincubator/pgm/sender"
	"github.com/facebookincubator/pgm/stats"
	"github.com/facebookincubator/pgm/wire"
)

// Transmitter is the send-side collaborator the scheduler dispatches
// built packets to (spec §4.A "Packet I/O", out of this package's
// scope; package transport adapts sock.Conn's WriteTo to it).
type Transmitter interface {
	Send(pkt []byte, dst wire.NLA, routerAlert bool) error
}

// Config holds the scheduler's fixed parameters, set once at bind time.
type Config struct {
	CanSend bool
	CanRecv bool

	LocalGSI        wire.GSI
	LocalSourcePort uint16
	MulticastGroup  wire.NLA

	PeerExpiry time.Duration
	PollMax    time.Duration // clamp on the computed wakeup delay (spec §4.G "[0, 30s]")
}

// Scheduler runs the timer event loop described in spec §4.G.
type Scheduler struct {
	cfg Config

	send   *sender.Sender
	engine *receiver.Engine
	peers  *peer.Table
	tx     Transmitter
	stats  *stats.Stats

	rdataPipe   chan struct{}
	timerPipe   chan struct{}
	waitingPipe chan struct{}
	quit        chan struct{}
	wg          sync.WaitGroup
}

// New creates a Scheduler. send may be nil for a receive-only transport
// (is_passive set or can_send false); engine/peers may be nil for a
// send-only transport. st may be nil, in which case counters are
// simply not collected.
func New(cfg Config, send *sender.Sender, engine *receiver.Engine, peers *peer.Table, tx Transmitter, st *stats.Stats) *Scheduler {
	if cfg.PollMax <= 0 {
		cfg.PollMax = 30 * time.Second
	}
	return &Scheduler{
		cfg:         cfg,
		send:        send,
		engine:      engine,
		peers:       peers,
		tx:          tx,
		stats:       st,
		rdataPipe:   make(chan struct{}, 1),
		timerPipe:   make(chan struct{}, 1),
		waitingPipe: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// ProdRDATA wakes the scheduler to pop and send one pending RDATA
// request, mirroring "write one byte to rdata_pipe per successful
// [NAK admission] push" (spec §4.E). Non-blocking: a pending wake is
// enough to drain every queued request once the loop runs.
func (s *Scheduler) ProdRDATA() {
	select {
	case s.rdataPipe <- struct{}{}:
	default:
	}
}

// ProdTimer forces the loop to re-evaluate its next wakeup, e.g. after a
// setter changes a timing parameter mid-run.
func (s *Scheduler) ProdTimer() {
	select {
	case s.timerPipe <- struct{}{}:
	default:
	}
}

// WaitingPipe is signaled whenever a dispatch round newly delivers bytes
// to at least one peer, for a blocked recvmsgv caller to select on
// (spec §4.F "Waiting-list discipline").
func (s *Scheduler) WaitingPipe() <-chan struct{} { return s.waitingPipe }

// Start launches the event-loop goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop quits the event loop and waits for it to exit (spec §5
// "Cancellation": pgm_transport_destroy quits the timer loop, joins the
// thread").
func (s *Scheduler) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	now := time.Now()
	timer := time.NewTimer(s.prepare(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-s.rdataPipe:
			s.dispatchRDATA(time.Now())
		case <-s.timerPipe:
			// presence alone forces the re-evaluation below
		case <-timer.C:
			s.dispatch(time.Now())
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.prepare(time.Now()))
	}
}

// prepare computes the next wakeup delay (spec §4.G "prepare"):
// min(next_ambient_spm, next_heartbeat_spm [if armed], per-peer min of
// spmr_expiry and queue-tail expiries), clamped to [0, PollMax].
func (s *Scheduler) prepare(now time.Time) time.Duration {
	deadline := now.Add(s.cfg.PollMax)

	if s.cfg.CanSend && s.send != nil {
		if next := s.send.NextSPMDeadline(); next.Before(deadline) {
			deadline = next
		}
	}

	if s.cfg.CanRecv && s.peers != nil && s.engine != nil {
		s.peers.Each(func(p *peer.Peer) {
			p.Lock()
			defer p.Unlock()
			if !p.IsPassive && !p.SPMRExpiry.IsZero() && p.SPMRExpiry.Before(deadline) {
				deadline = p.SPMRExpiry
			}
			if t, ok := s.engine.SweepExpiry(p); ok && t.Before(deadline) {
				deadline = t
			}
		})
	}

	delay := deadline.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if delay > s.cfg.PollMax {
		delay = s.cfg.PollMax
	}
	return delay
}

// dispatch runs one round of spec §4.G "dispatch" steps 1-3 (step 4,
// prodding waitingPipe, happens inline as NAK sweeps surface lost/ready
// entries).
func (s *Scheduler) dispatch(now time.Time) {
	if s.cfg.CanSend && s.send != nil && s.send.DueSPM(now) {
		pkt, err := s.send.BuildSPM()
		if err != nil {
			log.WithError(err).Error("failed to build SPM")
		} else if err := s.tx.Send(pkt, s.cfg.MulticastGroup, true); err != nil {
			log.WithError(err).Warning("failed to send SPM")
		} else if s.stats != nil {
			s.stats.IncTX(wire.TypeSPM)
		}
	}

	if !s.cfg.CanRecv || s.peers == nil || s.engine == nil {
		return
	}

	for _, tsi := range s.peers.Stale(now.Add(-s.cfg.PeerExpiry)) {
		s.peers.Remove(tsi)
	}
	if s.stats != nil {
		s.stats.SetPeers(s.peers.Len())
	}

	s.peers.Each(func(p *peer.Peer) {
		p.Lock()
		needsSPMR := s.engine.NeedsSPMR(p, now)
		if needsSPMR {
			s.engine.ArmSPMR(p, now)
		}
		reqs := s.engine.NakRBState(p, now)
		rpt := s.engine.NakRptState(p, now)
		rdata := s.engine.NakRDataState(p, now)
		p.Unlock()

		if needsSPMR {
			p.IncSPMR()
			s.sendSPMR(p, now)
		}
		s.emitNaks(p, reqs)
		s.logLost(p, rpt, stats.NaksFailedNCFRetriesExceeded)
		s.logLost(p, rdata, stats.NaksFailedDataRetriesExceeded)
	})
}

// dispatchRDATA is on_nak_pipe (spec §4.G): pop retransmit requests and
// send their repair packets until BuildRDATA reports none, which it also
// does for a request whose packet has left the transmit window.
func (s *Scheduler) dispatchRDATA(now time.Time) {
	if s.send == nil {
		return
	}
	for {
		pkt, ok, err := s.send.BuildRDATA(now)
		if err != nil {
			log.WithError(err).Error("failed to build RDATA")
			continue
		}
		if !ok {
			return
		}
		if err := s.tx.Send(pkt, s.cfg.MulticastGroup, true); err != nil {
			log.WithError(err).Warning("failed to send RDATA")
			continue
		}
		if s.stats != nil {
			s.stats.IncTX(wire.TypeRDATA)
			s.stats.Inc(stats.RDataSent)
		}
	}
}

// emitNaks builds and sends one NAK (or parity-NAK, with an
// OPT_NAK_LIST if the batch has more than one sqn) per request.
func (s *Scheduler) emitNaks(p *peer.Peer, reqs []receiver.NakRequest) {
	for _, req := range reqs {
		m := wire.Nak{
			Header: wire.Header{
				SourcePort: s.cfg.LocalSourcePort,
				DestPort:   p.TSI.SourcePort,
				GSI:        p.TSI.GSI,
				Type:       wire.TypeNAK,
			},
			Sqn:       req.Sqns[0],
			SourceNLA: p.NLA,
			GroupNLA:  p.GroupNLA,
		}
		if req.Parity {
			m.Header.Options |= wire.OptParity
		}
		if len(req.Sqns) > 1 {
			body, err := wire.MarshalNakListOption(wire.NakListOption{Sqns: req.Sqns[1:]})
			if err != nil {
				log.WithError(err).Error("failed to build OPT_NAK_LIST")
				continue
			}
			m.Options = append(m.Options, wire.Option{Type: wire.OptTypeNakList, Body: body})
		}
		pkt, err := wire.MarshalNak(m)
		if err != nil {
			log.WithError(err).Error("failed to build NAK")
			continue
		}
		wire.FinalizeChecksum(pkt)
		if err := s.tx.Send(pkt, p.NLA, true); err != nil {
			log.WithError(err).Warning("failed to send NAK")
			continue
		}
		if s.stats != nil {
			s.stats.IncTX(wire.TypeNAK)
			s.stats.Inc(stats.NaksSent)
		}
	}
}

func (s *Scheduler) sendSPMR(p *peer.Peer, now time.Time) {
	m := wire.SPMR{Header: wire.Header{
		SourcePort: s.cfg.LocalSourcePort,
		DestPort:   p.TSI.SourcePort,
		GSI:        p.TSI.GSI,
	}}
	pkt := wire.MarshalSPMR(m)
	wire.FinalizeChecksum(pkt)
	if err := s.tx.Send(pkt, p.NLA, false); err != nil {
		log.WithError(err).Warning("failed to send SPMR")
		return
	}
	if s.stats != nil {
		s.stats.IncTX(wire.TypeSPMR)
	}
}

func (s *Scheduler) logLost(p *peer.Peer, flushes []receiver.FlushRequest, counter string) {
	for _, f := range flushes {
		log.WithFields(log.Fields{
			"tsi":  p.TSI.String(),
			"lost": f.Lost,
		}).Info("declared packets lost after exhausting NAK retries")
		if s.stats != nil {
			s.stats.Inc(counter)
		}
		s.prodWaiting()
	}
}

func (s *Scheduler) prodWaiting() {
	s.ProdWaiting()
}

// ProdWaiting signals waitingPipe, for callers outside the event loop
// (the dispatcher, on admitting a packet that makes the peer's receive
// window contiguous from its trail) to unblock a recvmsgv caller
// without waiting for the next timer tick (spec §4.F "Waiting-list
// discipline").
func (s *Scheduler) ProdWaiting() {
	select {
	case s.waitingPipe <- struct{}{}:
	default:
	}
}
