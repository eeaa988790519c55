package elmer

/*------------------------------------------------------------------
 *
 * Name:	telnet
 *
 * Purpose:	TCP/telnet access to the gateway, mirroring the AX.25
 *		path for operators without a radio link.
 *
 * Description:	Speaks just enough RFC 854 to not confuse real telnet
 *		clients: IAC WILL/WONT/DO/DONT are consumed silently and
 *		NEW-ENVIRON (RFC 1572) subnegotiation is decoded so a
 *		client sending USER or LOGNAME identifies itself without
 *		typing a callsign.
 *
 *		Connections start keyed by "host:port".  When an
 *		environment reply names the operator, the table entry is
 *		rekeyed to the callsign; the session-store rekey hook
 *		runs inside the same critical section so no lookup can
 *		land between the two moves.
 *
 *---------------------------------------------------------------*/

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	TELNET_IAC  = 0xFF // interpret as command
	TELNET_DONT = 0xFE
	TELNET_DO   = 0xFD
	TELNET_WONT = 0xFC
	TELNET_WILL = 0xFB
	TELNET_SB   = 0xFA // subnegotiation begin
	TELNET_SE   = 0xF0 // subnegotiation end

	TELOPT_NEW_ENVIRON = 0x27 // RFC 1572

	NEW_ENV_VAR     = 0
	NEW_ENV_VALUE   = 1
	NEW_ENV_ESC     = 2
	NEW_ENV_USERVAR = 3
)

// IAC parser states, persistent across reads because a command
// sequence can straddle a TCP segment boundary.
type telnetParseState int

const (
	tnStateData telnetParseState = iota
	tnStateIAC
	tnStateOption // consuming the option byte of WILL/WONT/DO/DONT
	tnStateSB
	tnStateSBData
	tnStateSBIAC
)

// TelnetConnection is one TCP client.  Mutable fields are guarded by
// the owning server's lock.
type TelnetConnection struct {
	socket net.Conn
	addr   string // "host:port", the key before identification

	// TraceID correlates this connection's log lines across the rekey;
	// the address key changes, the trace id does not.
	TraceID string

	Callsign        string
	State           AxConnectionState
	ConnectedAt     time.Time
	LastActivity    time.Time
	PacketsSent     int
	PacketsReceived int

	// ConnectionID is the persistence row for this link, set by the
	// dispatcher when the connect event is logged.
	ConnectionID int64

	// IAC parser state.
	parseState telnetParseState
	sbOption   byte
	sbData     []byte
}

// Addr returns the network address form, "host:port".
func (c *TelnetConnection) Addr() string {
	return c.addr
}

// RemoteKey returns the callsign once identified, the network address
// until then.
func (c *TelnetConnection) RemoteKey() string {
	if c.Callsign != "" {
		return c.Callsign
	}

	return c.addr
}

func (c *TelnetConnection) String() string {
	return fmt.Sprintf("%s (%s)", c.RemoteKey(), c.State.String())
}

/*-------------------------------------------------------------------
 *
 * Name:	TelnetServer
 *
 * Purpose:	Listener plus one reader goroutine per client.
 *
 * Description:	Set the callbacks before Start.  OnData receives whole
 *		lines, already stripped of telnet commands and line
 *		terminators.  SessionRekey runs with the server lock
 *		held and must not call back into the server.
 *
 *---------------------------------------------------------------*/

type TelnetServer struct {
	host string
	port int

	mu          sync.Mutex
	listener    net.Listener
	connections map[string]*TelnetConnection
	running     bool
	wg          sync.WaitGroup
	log         *log.Logger

	OnConnect    func(*TelnetConnection)
	OnDisconnect func(*TelnetConnection)
	OnData       func(*TelnetConnection, []byte)

	// SessionRekey moves the session-store entry when a connection's
	// identity changes; it runs inside the table-rekey critical
	// section.  OnIdentify follows outside the lock for the heavy
	// work (directory lookup, banner).
	SessionRekey func(oldKey, newKey string)
	OnIdentify   func(*TelnetConnection)
}

func NewTelnetServer(host string, port int, logger *log.Logger) *TelnetServer {
	if logger == nil {
		logger = log.Default()
	}

	return &TelnetServer{
		host:        host,
		port:        port,
		connections: make(map[string]*TelnetConnection),
		log:         logger.WithPrefix("telnet"),
	}
}

// Start binds the listener and begins accepting.
func (s *TelnetServer) Start() error {
	var addr = fmt.Sprintf("%s:%d", s.host, s.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telnet listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "addr", addr)

	return nil
}

// Stop closes the listener and every client socket, then waits for the
// reader goroutines to drain.
func (s *TelnetServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	var listener = s.listener
	var conns = make([]*TelnetConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		s.handleDisconnect(c)
	}

	s.wg.Wait()

	s.log.Info("stopped")
}

// Port returns the bound port, useful when 0 was requested.
func (s *TelnetServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return s.port
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}

	return s.port
}

func (s *TelnetServer) acceptLoop() {
	defer s.wg.Done()

	for {
		var socket, err = s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			var running = s.running
			s.mu.Unlock()

			if running {
				s.log.Error("accept failed", "err", err)
			}
			return
		}

		var conn = &TelnetConnection{
			socket:       socket,
			addr:         socket.RemoteAddr().String(),
			TraceID:      uuid.New().String()[:8],
			State:        AX_STATE_CONNECTED,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.log.Info("connection", "from", conn.addr, "conn", conn.TraceID)

		// Ask the client for its environment so USER/LOGNAME can
		// stand in for a typed callsign.
		socket.Write([]byte{TELNET_IAC, TELNET_DO, TELOPT_NEW_ENVIRON})

		s.mu.Lock()
		s.connections[conn.addr] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(conn)

		if s.OnConnect != nil {
			s.OnConnect(conn)
		}
	}
}

func (s *TelnetServer) readLoop(conn *TelnetConnection) {
	defer s.wg.Done()
	defer s.handleDisconnect(conn)

	var raw = make([]byte, 4096)
	var lineBuf []byte

	for {
		var n, err = conn.socket.Read(raw)
		if n > 0 {
			var clean = s.stripTelnet(conn, raw[:n])

			s.mu.Lock()
			conn.LastActivity = time.Now()
			s.mu.Unlock()

			lineBuf = append(lineBuf, clean...)
			lineBuf = s.emitLines(conn, lineBuf)
		}
		if err != nil {
			return
		}
	}
}

// emitLines fires OnData for each complete line in buf and returns the
// unterminated tail.  Terminators are CRLF, LF, or bare CR.
func (s *TelnetServer) emitLines(conn *TelnetConnection, buf []byte) []byte {
	for {
		var cut = -1
		for i, b := range buf {
			if b == '\r' || b == '\n' {
				cut = i
				break
			}
		}
		if cut == -1 {
			return buf
		}

		var line = buf[:cut]
		var next = cut + 1
		if buf[cut] == '\r' && next < len(buf) && buf[next] == '\n' {
			next++
		}
		buf = buf[next:]

		if len(line) == 0 {
			continue
		}

		s.mu.Lock()
		conn.PacketsReceived++
		s.mu.Unlock()

		if s.OnData != nil {
			s.OnData(conn, line)
		}
	}
}

// stripTelnet runs data through the IAC state machine, returning the
// plain bytes and decoding NEW-ENVIRON replies on the way past.
func (s *TelnetServer) stripTelnet(conn *TelnetConnection, data []byte) []byte {
	var out = make([]byte, 0, len(data))

	for _, b := range data {
		switch conn.parseState {
		case tnStateData:
			if b == TELNET_IAC {
				conn.parseState = tnStateIAC
			} else {
				out = append(out, b)
			}

		case tnStateIAC:
			switch b {
			case TELNET_IAC:
				// Escaped 0xFF.
				out = append(out, TELNET_IAC)
				conn.parseState = tnStateData
			case TELNET_WILL, TELNET_WONT, TELNET_DO, TELNET_DONT:
				conn.parseState = tnStateOption
			case TELNET_SB:
				conn.parseState = tnStateSB
			default:
				// NOP, AYT and friends: consume.
				conn.parseState = tnStateData
			}

		case tnStateOption:
			conn.parseState = tnStateData

		case tnStateSB:
			conn.sbOption = b
			conn.sbData = conn.sbData[:0]
			conn.parseState = tnStateSBData

		case tnStateSBData:
			if b == TELNET_IAC {
				conn.parseState = tnStateSBIAC
			} else if len(conn.sbData) < 512 {
				conn.sbData = append(conn.sbData, b)
			}

		case tnStateSBIAC:
			switch b {
			case TELNET_SE:
				if conn.sbOption == TELOPT_NEW_ENVIRON {
					s.parseEnviron(conn, conn.sbData)
				}
				conn.parseState = tnStateData
			case TELNET_IAC:
				if len(conn.sbData) < 512 {
					conn.sbData = append(conn.sbData, TELNET_IAC)
				}
				conn.parseState = tnStateSBData
			default:
				conn.parseState = tnStateData
			}
		}
	}

	return out
}

// parseEnviron walks a NEW-ENVIRON reply looking for USER or LOGNAME.
// The IS byte that leads a well-formed reply parses as an empty VAR
// and falls out naturally.
func (s *TelnetServer) parseEnviron(conn *TelnetConnection, env []byte) {
	var isControl = func(b byte) bool {
		return b == NEW_ENV_VAR || b == NEW_ENV_VALUE || b == NEW_ENV_ESC || b == NEW_ENV_USERVAR
	}

	var i = 0
	for i < len(env) {
		if env[i] != NEW_ENV_VAR && env[i] != NEW_ENV_USERVAR {
			i++
			continue
		}

		i++
		var nameStart = i
		for i < len(env) && !isControl(env[i]) {
			i++
		}
		var name = string(env[nameStart:i])

		var value string
		if i < len(env) && env[i] == NEW_ENV_VALUE {
			i++
			var valueStart = i
			for i < len(env) && !isControl(env[i]) {
				i++
			}
			value = string(env[valueStart:i])
		}

		if (name == "USER" || name == "LOGNAME" || name == "user" || name == "logname") && value != "" {
			s.identify(conn, value)
			return
		}
	}
}

// identify promotes an environment login to the connection callsign
// and rekeys the table.  Idempotent; a repeat of the same name is a
// no-op.  Values that do not look like callsigns are ignored so
// logins like "root" still get the interactive callsign prompt.
func (s *TelnetServer) identify(conn *TelnetConnection, login string) {
	var callsign = NormalizeCallsign(login)
	if !ValidCallsign(callsign) {
		s.log.Debug("env login is not a callsign", "from", conn.addr, "login", login)
		return
	}

	s.mu.Lock()
	if conn.Callsign == callsign {
		s.mu.Unlock()
		return
	}

	var oldKey = conn.RemoteKey()
	conn.Callsign = callsign
	delete(s.connections, oldKey)
	s.connections[callsign] = conn

	// Move the session entry inside the same critical section so no
	// lookup lands between the two moves.
	if s.SessionRekey != nil {
		s.SessionRekey(oldKey, callsign)
	}
	s.mu.Unlock()

	s.log.Info("identified", "addr", conn.addr, "callsign", callsign, "conn", conn.TraceID)

	if s.OnIdentify != nil {
		s.OnIdentify(conn)
	}
}

// Identify applies a typed callsign to the connection, same path as
// the environment variant.
func (s *TelnetServer) Identify(conn *TelnetConnection, callsign string) {
	s.identify(conn, callsign)
}

/*-------------------------------------------------------------------
 *
 * Outbound path and teardown.
 *
 *---------------------------------------------------------------*/

// SendData writes raw bytes, escaping 0xFF for the telnet layer.
func (s *TelnetServer) SendData(conn *TelnetConnection, data []byte) error {
	var payload = data
	if bytes.IndexByte(data, TELNET_IAC) != -1 {
		payload = make([]byte, 0, len(data)+8)
		for _, b := range data {
			payload = append(payload, b)
			if b == TELNET_IAC {
				payload = append(payload, TELNET_IAC)
			}
		}
	}

	var _, err = conn.socket.Write(payload)
	if err != nil {
		s.log.Error("write failed", "to", conn.RemoteKey(), "err", err)
		return err
	}

	s.mu.Lock()
	conn.PacketsSent++
	conn.LastActivity = time.Now()
	s.mu.Unlock()

	return nil
}

// Disconnect drops one client.
func (s *TelnetServer) Disconnect(conn *TelnetConnection) {
	s.handleDisconnect(conn)
}

// handleDisconnect closes the socket, removes the table entry, and
// fires OnDisconnect exactly once even when the reader goroutine and
// the sweep race to call it.
func (s *TelnetServer) handleDisconnect(conn *TelnetConnection) {
	s.mu.Lock()
	var key = conn.RemoteKey()
	var _, present = s.connections[key]
	if present {
		delete(s.connections, key)
		conn.State = AX_STATE_DISCONNECTED
	}
	s.mu.Unlock()

	if !present {
		return
	}

	s.log.Info("disconnection", "from", key, "conn", conn.TraceID)

	conn.socket.Close()

	if s.OnDisconnect != nil {
		s.OnDisconnect(conn)
	}
}

// Connections snapshots the table.
func (s *TelnetServer) Connections() []*TelnetConnection {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = make([]*TelnetConnection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}

	return out
}

func (s *TelnetServer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.connections)
}

// CleanupStale closes connections silent past timeout.
func (s *TelnetServer) CleanupStale(timeout time.Duration) {
	s.mu.Lock()
	var stale []*TelnetConnection
	var now = time.Now()
	for _, conn := range s.connections {
		if now.Sub(conn.LastActivity) > timeout {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range stale {
		s.log.Info("reaping stale connection", "from", conn.RemoteKey())
		s.handleDisconnect(conn)
	}
}
