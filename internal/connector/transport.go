package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"backend/internal/isakmp"
	"backend/internal/tcpt"
)

const ikePort = 500

// udpControlTransport frames each Send/Receive as one UDP datagram,
// implementing isakmp.Transport over a connected socket to the
// gateway's IKE port.
type udpControlTransport struct {
	conn *net.UDPConn
}

func dialUDPControl(ctx context.Context, gatewayIP net.IP) (*udpControlTransport, net.IP, error) {
	raddr := &net.UDPAddr{IP: gatewayIP, Port: ikePort}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, nil, fmt.Errorf("connector: dial isakmp udp: %w", err)
	}
	local, _ := conn.LocalAddr().(*net.UDPAddr)
	var localIP net.IP
	if local != nil {
		localIP = local.IP
	}
	return &udpControlTransport{conn: conn}, localIP, nil
}

func (t *udpControlTransport) Send(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	_, err := t.conn.Write(data)
	return err
}

func (t *udpControlTransport) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
	buf := make([]byte, 65536)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *udpControlTransport) Close() error {
	return t.conn.Close()
}

// dialControlTransport picks the control-channel transport the profile
// asks for: a raw UDP/500 socket, or the TCPT fallback carrying
// DataTypeIke-tagged frames over TCP/443 when UDP paths are blocked.
func dialControlTransport(ctx context.Context, gatewayIP net.IP, useTCPT bool) (isakmp.Transport, net.IP, error) {
	if useTCPT {
		addr := net.JoinHostPort(gatewayIP.String(), "443")
		t, err := tcpt.Dial(ctx, addr, tcpt.DataTypeIke)
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil
	}
	return dialUDPControl(ctx, gatewayIP)
}

// dialTCPTData opens the ESP data-plane TCPT stream, tagged
// DataTypeEsp so the gateway demultiplexes it from the DataTypeIke
// control stream dialed separately by dialControlTransport.
func dialTCPTData(ctx context.Context, gatewayIP net.IP) (*tcpt.Transport, error) {
	addr := net.JoinHostPort(gatewayIP.String(), "443")
	return tcpt.Dial(ctx, addr, tcpt.DataTypeEsp)
}
