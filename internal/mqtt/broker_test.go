package mqtt

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
)

// MQTT control packet types used by the scripted broker.
const (
	pktConnect    = 1
	pktConnack    = 2
	pktPublish    = 3
	pktSubscribe  = 8
	pktSuback     = 9
	pktDisconnect = 14
)

// brokerConn is the server side of one client connection to a scripted
// broker. It speaks just enough MQTT 3.1.1 and 5 for session tests.
type brokerConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	v5   bool
}

// startBroker listens on loopback and runs script for the first client
// that connects. It returns the port to dial.
func startBroker(t *testing.T, v5 bool, script func(b *brokerConn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(&brokerConn{t: t, conn: conn, r: bufio.NewReader(conn), v5: v5})
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func (b *brokerConn) readPacket() (byte, []byte, error) {
	header, err := b.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	length, err := binary.ReadUvarint(b.r)
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(b.r, body); err != nil {
		return 0, nil, err
	}
	return header >> 4, body, nil
}

// expect reads packets until one of type typ arrives, skipping pings.
func (b *brokerConn) expect(typ byte) []byte {
	for {
		got, body, err := b.readPacket()
		if err != nil {
			b.t.Errorf("broker: waiting for packet type %d: %v", typ, err)
			return nil
		}
		if got == typ {
			return body
		}
	}
}

func (b *brokerConn) write(header byte, body []byte) {
	pkt := []byte{header}
	pkt = binary.AppendUvarint(pkt, uint64(len(body)))
	pkt = append(pkt, body...)
	if _, err := b.conn.Write(pkt); err != nil {
		b.t.Errorf("broker: write packet 0x%02x: %v", header, err)
	}
}

func (b *brokerConn) connack(code byte) {
	b.expect(pktConnect)
	if b.v5 {
		b.write(pktConnack<<4, []byte{0x00, code, 0x00})
		return
	}
	b.write(pktConnack<<4, []byte{0x00, code})
}

// suback answers the next SUBSCRIBE with code and returns its filter.
func (b *brokerConn) suback(code byte) string {
	body := b.expect(pktSubscribe)
	if len(body) < 2 {
		return ""
	}
	id := body[:2]
	rest := body[2:]
	if b.v5 {
		n, used := binary.Uvarint(rest)
		rest = rest[used+int(n):]
	}
	filter := ""
	if len(rest) >= 2 {
		l := int(binary.BigEndian.Uint16(rest))
		if len(rest) >= 2+l {
			filter = string(rest[2 : 2+l])
		}
	}

	resp := append([]byte{}, id...)
	if b.v5 {
		resp = append(resp, 0x00)
	}
	resp = append(resp, code)
	b.write(pktSuback<<4|0x02, resp)
	return filter
}

func (b *brokerConn) publish(topic string, payload []byte) {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(topic)))
	body = append(body, topic...)
	if b.v5 {
		body = append(body, 0x00)
	}
	body = append(body, payload...)
	b.write(pktPublish<<4, body)
}

// drain reads until the client disconnects or the connection closes.
func (b *brokerConn) drain() {
	for {
		typ, _, err := b.readPacket()
		if err != nil || typ == pktDisconnect {
			return
		}
	}
}
