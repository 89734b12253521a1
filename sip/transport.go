package sip

import (
	"fmt"
	"net"
	"sync"

	"sipcallgo/global"
	"sipcallgo/system"
)

// Transport manages the TCP connections signaling flows over: one
// reader goroutine per connection feeds the framer and hands parsed
// messages to the stack; writes are serialized per connection so bytes
// on the wire preserve message order.
type Transport struct {
	mu    sync.Mutex
	conns map[string]*Connection

	OnMessage    func(conn *Connection, msg *SipMessage)
	OnBadRequest func(conn *Connection, msg *SipMessage) // top Via parsed: answer 400
	OnDisconnect func(conn *Connection)

	listener *net.TCPListener
}

type Connection struct {
	tcp    *net.TCPConn
	framer *Framer

	writeMu sync.Mutex
	closed  bool
}

func NewTransport() *Transport {
	return &Transport{conns: make(map[string]*Connection)}
}

func (tr *Transport) Listen(ip net.IP, port int) error {
	lstnr, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: port})
	if err != nil {
		return err
	}
	tr.listener = lstnr
	global.WtGrp.Add(1)
	go tr.acceptLoop()
	system.LogInfo(system.LTConnectivity, fmt.Sprintf("SIP listening on %s", lstnr.Addr()))
	return nil
}

func (tr *Transport) acceptLoop() {
	defer global.WtGrp.Done()
	for {
		tcp, err := tr.listener.AcceptTCP()
		if err != nil {
			return
		}
		tr.adopt(tcp)
	}
}

// Connect returns the existing connection to addr or dials a new one.
func (tr *Transport) Connect(addr string) (*Connection, error) {
	tr.mu.Lock()
	if conn, ok := tr.conns[addr]; ok && !conn.closed {
		tr.mu.Unlock()
		return conn, nil
	}
	tr.mu.Unlock()

	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcp, err := net.DialTCP("tcp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return tr.adopt(tcp), nil
}

func (tr *Transport) adopt(tcp *net.TCPConn) *Connection {
	conn := &Connection{tcp: tcp, framer: NewFramer()}
	tr.mu.Lock()
	tr.conns[tcp.RemoteAddr().String()] = conn
	tr.mu.Unlock()

	global.WtGrp.Add(1)
	go tr.readLoop(conn)
	return conn
}

// readLoop is the connection's I/O worker: read, frame, parse, deliver.
func (tr *Transport) readLoop(conn *Connection) {
	defer global.WtGrp.Done()
	defer func() {
		if r := recover(); r != nil {
			system.LogCallStack(r)
		}
	}()

	buf := make([]byte, global.BufferSize)
	for {
		n, err := conn.tcp.Read(buf)
		if err != nil {
			tr.drop(conn)
			return
		}
		raws, ferr := conn.framer.Feed(buf[:n])
		for _, raw := range raws {
			msg, perr := ParseMessage(raw.HeaderBytes, raw.Body)
			if perr != nil {
				system.LogError(system.LTBadSIPMessage, fmt.Sprintf("Discarding message from %s: %v", conn.RemoteAddr(), perr))
				if msg != nil && tr.OnBadRequest != nil {
					tr.OnBadRequest(conn, msg)
				}
				continue
			}
			if tr.OnMessage != nil {
				tr.OnMessage(conn, msg)
			}
		}
		if ferr != nil {
			system.LogError(system.LTBadSIPMessage, fmt.Sprintf("Peer error on %s: %v - closing", conn.RemoteAddr(), ferr))
			tr.drop(conn)
			return
		}
	}
}

func (tr *Transport) drop(conn *Connection) {
	tr.mu.Lock()
	delete(tr.conns, conn.RemoteAddr())
	alreadyClosed := conn.closed
	conn.closed = true
	tr.mu.Unlock()
	conn.tcp.Close()
	if !alreadyClosed && tr.OnDisconnect != nil {
		tr.OnDisconnect(conn)
	}
}

func (tr *Transport) Close() {
	if tr.listener != nil {
		tr.listener.Close()
	}
	tr.mu.Lock()
	conns := make([]*Connection, 0, len(tr.conns))
	for _, conn := range tr.conns {
		conns = append(conns, conn)
	}
	tr.mu.Unlock()
	for _, conn := range conns {
		tr.drop(conn)
	}
}

// =================================================================

// Send serializes one composed message onto the wire.
func (conn *Connection) Send(msg *SipMessage) error {
	payload := msg.Bytes()
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if conn.closed {
		return global.NewError(503, "transport error")
	}
	_, err := conn.tcp.Write(payload)
	return err
}

func (conn *Connection) RemoteAddr() string {
	return conn.tcp.RemoteAddr().String()
}

func (conn *Connection) LocalAddr() *net.TCPAddr {
	return conn.tcp.LocalAddr().(*net.TCPAddr)
}
