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

// Package sock implements the net_iface layer: a UDP-encapsulated PGM
// socket bound to an interface and joined to a multicast group,
// equivalent to what a raw IPPROTO_PGM net_iface would provide but
// built the way the teacher binds its two PTP UDP listeners
// (ptp/ptp4u/server/server.go startEventListener/startGeneralListener)
// and enables DSCP (sptp/client/dscp.go enableDSCP).
package sock

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/pgm/wire"
)

// Config describes how to bind a Conn.
type Config struct {
	Interface string // multicast-capable interface to join on, e.g. "eth0"
	LocalIP   net.IP // local unicast address to bind to
	Group     net.IP // multicast group address
	Port      int    // UDP encapsulation port, shared by source and receivers
	TTL       int    // multicast hop limit / TTL
	DSCP      int    // differentiated services code point for outgoing packets
	RouterAlert bool // request IP_OPTIONS router alert on sends that need it
}

// Conn is a bound, group-joined UDP-encapsulated PGM socket.
type Conn struct {
	cfg  Config
	udp  *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn
	isV6 bool
	fd   int
}

// Bind creates and configures the socket: binds to cfg.Port on
// cfg.LocalIP, joins cfg.Group on cfg.Interface, and sets TTL/DSCP
// (spec §4.N "net_iface layer").
func Bind(cfg Config) (*Conn, error) {
	iface, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("sock: resolving interface %q: %w", cfg.Interface, err)
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: cfg.LocalIP, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("sock: listen: %w", err)
	}

	c := &Conn{cfg: cfg, udp: udp, isV6: cfg.Group.To4() == nil}

	sc, err := udp.SyscallConn()
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("sock: syscall conn: %w", err)
	}
	var sockErr error
	if err := sc.Control(func(fd uintptr) {
		c.fd = int(fd)
		sockErr = enableDSCP(int(fd), cfg.LocalIP, cfg.DSCP)
	}); err != nil {
		udp.Close()
		return nil, fmt.Errorf("sock: control: %w", err)
	}
	if sockErr != nil {
		udp.Close()
		return nil, fmt.Errorf("sock: enable DSCP: %w", sockErr)
	}

	group := &net.UDPAddr{IP: cfg.Group}
	if c.isV6 {
		c.pc6 = ipv6.NewPacketConn(udp)
		if err := c.pc6.JoinGroup(iface, group); err != nil {
			udp.Close()
			return nil, fmt.Errorf("sock: join group: %w", err)
		}
		if cfg.TTL > 0 {
			_ = c.pc6.SetMulticastHopLimit(cfg.TTL)
		}
		_ = c.pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagSrc, true)
	} else {
		c.pc4 = ipv4.NewPacketConn(udp)
		if err := c.pc4.JoinGroup(iface, group); err != nil {
			udp.Close()
			return nil, fmt.Errorf("sock: join group: %w", err)
		}
		if cfg.TTL > 0 {
			_ = c.pc4.SetMulticastTTL(cfg.TTL)
		}
		_ = c.pc4.SetControlMessage(ipv4.FlagDst|ipv4.FlagSrc, true)
	}

	// A prior net_iface implementation called its nonblocking toggle once
	// at fd creation, before the group join reopened the socket's write
	// queue; that left sends blocking on a full kernel buffer even though
	// the caller asked for non-blocking I/O. Set it here, after binding
	// and joining, so both the read and write paths see it applied.
	if err := unix.SetNonblock(c.fd, true); err != nil {
		udp.Close()
		return nil, fmt.Errorf("sock: set nonblocking: %w", err)
	}

	return c, nil
}

// WriteTo sends pkt to dst. routerAlert requests the IP router-alert
// hop-by-hop option on packets that need every router on path to
// inspect them (spec.md §6 "send primitives"); plain UDP encapsulation
// has no portable cross-platform way to set per-packet router alert,
// so it is accepted here for call-site symmetry with a raw net_iface
// and otherwise ignored.
func (c *Conn) WriteTo(pkt []byte, dst wire.NLA, routerAlert bool) error {
	addr := &net.UDPAddr{IP: dst.IP, Port: c.cfg.Port}
	_, err := c.udp.WriteToUDP(pkt, addr)
	return err
}

// ReadFrom reads one datagram into buf, returning its length and the
// sender's address as an NLA.
func (c *Conn) ReadFrom(buf []byte) (int, wire.NLA, error) {
	n, addr, err := c.udp.ReadFromUDP(buf)
	if err != nil {
		return 0, wire.NLA{}, err
	}
	return n, wire.NLAFromIP(addr.IP), nil
}

// Fd returns the underlying socket descriptor, for select_info/poll_info
// callers that multiplex it alongside the scheduler's waiting pipe
// (spec §6 "select_info/poll_info" via golang.org/x/sys/unix, matching
// the teacher's raw fd conventions in its timestamp package helpers).
func (c *Conn) Fd() int { return c.fd }

// Close releases the socket.
func (c *Conn) Close() error { return c.udp.Close() }

// enableDSCP sets the outgoing DSCP/TOS value on fd, generalized from
// the teacher's fixed two-port PTP sockets to an arbitrary bound PGM
// socket.
func enableDSCP(fd int, localAddr net.IP, dscp int) error {
	if localAddr == nil || localAddr.To4() == nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}
