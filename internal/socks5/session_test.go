package socks5

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func TestSession_ReadRequest_AddrTypes(t *testing.T) {
	tests := []struct {
		name     string
		addrType byte
		addrData []byte
		port     uint16
		wantKind AddrKind
		wantStr  string
	}{
		{
			name:     "IPv4",
			addrType: AddrTypeIPv4,
			addrData: []byte{127, 0, 0, 1},
			port:     8080,
			wantKind: AddrIPv4,
			wantStr:  "127.0.0.1",
		},
		{
			name:     "IPv6",
			addrType: AddrTypeIPv6,
			addrData: []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
			port:     8080,
			wantKind: AddrIPv6,
			wantStr:  "::1",
		},
		{
			name:     "Domain",
			addrType: AddrTypeDomain,
			addrData: []byte{0x09, 'l', 'o', 'c', 'a', 'l', 'h', 'o', 's', 't'},
			port:     80,
			wantKind: AddrDNS,
			wantStr:  "localhost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			buf.Write([]byte{SOCKS5Version, CmdConnect, 0x00})
			buf.WriteByte(tt.addrType)
			buf.Write(tt.addrData)
			binary.Write(buf, binary.BigEndian, tt.port)

			s := &Session{conn: &pipeConn{r: buf}}
			req, err := s.readRequest()
			if err != nil {
				t.Fatalf("readRequest() error = %v", err)
			}
			addr := req.Dest
			if addr.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", addr.Kind, tt.wantKind)
			}
			if addr.Port != tt.port {
				t.Errorf("Port = %d, want %d", addr.Port, tt.port)
			}

			var gotStr string
			if addr.Kind == AddrDNS {
				gotStr = addr.Name
			} else {
				gotStr = addr.IP.String()
			}
			if gotStr != tt.wantStr {
				t.Errorf("addr = %q, want %q", gotStr, tt.wantStr)
			}
		})
	}
}

func TestSession_ReadRequest_UnsupportedAddressType(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteByte(SOCKS5Version)
	buf.WriteByte(CmdConnect)
	buf.WriteByte(0x00)
	buf.WriteByte(0xFF) // invalid ATYP
	buf.Write([]byte{127, 0, 0, 1})
	binary.Write(buf, binary.BigEndian, uint16(8080))

	conn := &pipeConn{r: buf}
	s := &Session{conn: conn}
	_, err := s.readRequest()
	if err == nil {
		t.Fatal("readRequest() should fail for unsupported address type")
	}
	if replyCodeFor(err) != ReplyAddrNotSupported {
		t.Errorf("replyCodeFor(err) = %d, want ReplyAddrNotSupported", replyCodeFor(err))
	}
}

func TestSession_SendReply(t *testing.T) {
	writer := &bytes.Buffer{}
	s := &Session{conn: &pipeConn{w: writer}}

	if err := s.sendReply(ReplySucceeded, net.IPv4(10, 0, 0, 1), 1080); err != nil {
		t.Fatalf("sendReply() error = %v", err)
	}

	want := []byte{SOCKS5Version, ReplySucceeded, 0x00, AddrTypeIPv4, 10, 0, 0, 1, 0x04, 0x38}
	if !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("reply = %v, want %v", writer.Bytes(), want)
	}
}

func TestSupervisor_EndToEndConnect(t *testing.T) {
	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen error: %v", err)
	}
	defer echoListener.Close()

	go func() {
		for {
			conn, err := echoListener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	sup := NewSupervisor(SupervisorConfig{ListenAddress: "127.0.0.1:0"}, NewCore(nil))
	go sup.Serve(t.Context())
	for sup.Address() == nil {
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() { sup.Stop() })

	conn, err := net.Dial("tcp", sup.Address().String())
	if err != nil {
		t.Fatalf("dial SOCKS5 error: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	methodResp := make([]byte, 2)
	io.ReadFull(conn, methodResp)
	if methodResp[1] != AuthMethodNoAuth {
		t.Fatalf("method = %d, want AuthMethodNoAuth", methodResp[1])
	}

	echoHost, echoPortStr, _ := net.SplitHostPort(echoListener.Addr().String())
	echoIP := net.ParseIP(echoHost)
	echoPort, _ := net.LookupPort("tcp", echoPortStr)

	req := &bytes.Buffer{}
	req.WriteByte(SOCKS5Version)
	req.WriteByte(CmdConnect)
	req.WriteByte(0x00)
	req.WriteByte(AddrTypeIPv4)
	req.Write(echoIP.To4())
	binary.Write(req, binary.BigEndian, uint16(echoPort))
	conn.Write(req.Bytes())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply error: %v", err)
	}
	if reply[1] != ReplySucceeded {
		t.Fatalf("reply = %d, want ReplySucceeded", reply[1])
	}

	testData := []byte("hello socks5")
	conn.Write(testData)
	response := make([]byte, len(testData))
	if _, err := io.ReadFull(conn, response); err != nil {
		t.Fatalf("read echo error: %v", err)
	}
	if !bytes.Equal(response, testData) {
		t.Errorf("echo = %q, want %q", response, testData)
	}
}

// pipeConn is a minimal net.Conn stub backed by separate reader/writer,
// for tests that exercise Session's wire parsing without a real socket.
type pipeConn struct {
	r io.Reader
	w io.Writer
}

func (p *pipeConn) Read(b []byte) (int, error) {
	if p.r == nil {
		return 0, io.EOF
	}
	return p.r.Read(b)
}

func (p *pipeConn) Write(b []byte) (int, error) {
	if p.w == nil {
		p.w = &bytes.Buffer{}
	}
	return p.w.Write(b)
}

func (p *pipeConn) Close() error                       { return nil }
func (p *pipeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (p *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }
