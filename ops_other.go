//go:build !unix

package aio

import (
	"net"
	"os"
)

func newSocketOps(conn net.Conn, _ bool) SocketOps { return &connOps{conn: conn} }

func newDatagramOps(conn net.PacketConn, _ bool) DatagramOps { return &packetOps{conn: conn} }

func newFileOps(file *os.File, _ bool) FileOps { return &fileOps{file: file} }
