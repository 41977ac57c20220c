/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package netconn provides a concrete lockstep.Endpoint over a UDP
// socket. It knows nothing about cycles, commands, or peers — it moves
// datagrams and nothing else.
package netconn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/boskee/stratagus/lockstep"
)

// UDPEndpoint implements lockstep.Endpoint over a single non-blocking
// UDP socket.
type UDPEndpoint struct {
	conn *net.UDPConn
	pc4  *ipv4.PacketConn
}

var _ lockstep.Endpoint = (*UDPEndpoint)(nil)

// lowDelayTOS marks outgoing traffic IPTOS_LOWDELAY, appropriate for a
// real-time lockstep command stream where latency matters far more than
// throughput.
const lowDelayTOS = 0x10

// Bind opens the UDP socket on localAddress:port. Callers that want the
// retry-across-N-ports behavior use lockstep.Engine.Bind, which calls
// this once per candidate port.
func (e *UDPEndpoint) Bind(localAddress string, port uint16) error {
	if e.conn != nil {
		return errors.New("netconn: already bound")
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(localAddress, strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("netconn: resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		conn.Close()
		return fmt.Errorf("netconn: set read buffer: %w", err)
	}
	pc4 := ipv4.NewPacketConn(conn)
	if err := pc4.SetTOS(lowDelayTOS); err != nil {
		// Best-effort: some platforms (and all IPv6 sockets) reject this.
		pc4 = nil
	}
	e.conn = conn
	e.pc4 = pc4
	return nil
}

// Send writes data to addr, which must be a netip.AddrPort produced by
// this package (e.g. via Resolve or a prior Recv).
func (e *UDPEndpoint) Send(addr lockstep.Addr, data []byte) error {
	ap, ok := addr.(netip.AddrPort)
	if !ok {
		return fmt.Errorf("netconn: Send: addr is %T, want netip.AddrPort", addr)
	}
	_, err := e.conn.WriteToUDPAddrPort(data, ap)
	return err
}

// Recv performs a single non-blocking read. A socket with no pending
// datagram returns ok == false and no error; any other I/O error is
// returned so the caller can decide whether it is fatal.
//
// The returned Addr is a netip.AddrPort, not a *net.UDPAddr: it is a
// value type, so two reads from the same peer compare equal with ==,
// which is what roster lookups require. ReadFromUDPAddrPort already
// returns that shape; Unmap strips the IPv4-in-IPv6 wrapping a
// dual-stack socket applies, so a peer address resolved in Resolve
// (plain v4) still compares equal to the same peer's inbound traffic.
func (e *UDPEndpoint) Recv(buf []byte) (int, lockstep.Addr, bool, error) {
	if err := e.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, nil, false, err
	}
	n, addr, err := e.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), true, nil
}

// Close releases the socket.
func (e *UDPEndpoint) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// LocalPort returns the bound local port, useful for logging after a
// bind-retry loop.
func (e *UDPEndpoint) LocalPort() uint16 {
	if e.conn == nil {
		return 0
	}
	return uint16(e.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Resolve turns a "host:port" string into the lockstep.Addr this
// package's Send/Recv expect: a netip.AddrPort, normalized with Unmap
// so it compares equal to the same peer's address as observed by Recv.
func Resolve(hostport string) (lockstep.Addr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("netconn: resolve: %w", err)
	}
	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
