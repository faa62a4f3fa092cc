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

package sock

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/pgm/wire"
)

func TestEnableDSCPv4(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	sc, err := conn.SyscallConn()
	require.NoError(t, err)
	var sockErr error
	require.NoError(t, sc.Control(func(fd uintptr) {
		sockErr = enableDSCP(int(fd), net.ParseIP("127.0.0.1"), 42)
	}))
	require.NoError(t, sockErr)
}

func TestEnableDSCPv6(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("::1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	sc, err := conn.SyscallConn()
	require.NoError(t, err)
	var sockErr error
	require.NoError(t, sc.Control(func(fd uintptr) {
		sockErr = enableDSCP(int(fd), net.ParseIP("::1"), 42)
	}))
	require.NoError(t, sockErr)
}

func TestWriteReadRoundTrip(t *testing.T) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	c := &Conn{cfg: Config{Port: udp.LocalAddr().(*net.UDPAddr).Port}, udp: udp}
	defer c.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.WriteToUDP([]byte("hello"), udp.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, from, err := c.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.True(t, from.IP.Equal(net.ParseIP("127.0.0.1")))
}

func TestConnFd(t *testing.T) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	c := &Conn{udp: udp}
	defer c.Close()
	require.Equal(t, 0, c.Fd(), "fd is only populated via Bind's SyscallConn.Control path")
}

func TestWriteToSendsToAddr(t *testing.T) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	c := &Conn{cfg: Config{Port: udp.LocalAddr().(*net.UDPAddr).Port}, udp: udp}
	defer c.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer peer.Close()

	dst := wire.NLAFromIP(net.ParseIP("127.0.0.1"))
	c2 := &Conn{cfg: Config{Port: peer.LocalAddr().(*net.UDPAddr).Port}, udp: udp}
	require.NoError(t, c2.WriteTo([]byte("ping"), dst, true))

	buf := make([]byte, 64)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}
