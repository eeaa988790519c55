package elmer

/*------------------------------------------------------------------
 *
 * Name:	linkmgr
 *
 * Purpose:	AX.25 link management: the per-remote connection table
 *		and the SABM/UA/DISC/DM handshake.
 *
 * Description:	All payload moves as UI frames; there is no I-frame
 *		window.  A "connection" here is bookkeeping so the rest
 *		of the gateway can treat a radio peer like a telnet
 *		peer: who they are, when they were last heard, and how
 *		many packets moved.
 *
 *		UA replies to SABM are sourced from the exact
 *		destination address on the SABM rather than the
 *		configured station address, so one station can answer
 *		on several SSIDs.
 *
 *		Connections carrying a YAPP file transfer are flagged;
 *		their payloads bypass the data callback and feed the
 *		transfer state machine, with replies going back out as
 *		UI frames on the same KISS port.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

type AxConnectionState int

const (
	AX_STATE_DISCONNECTED AxConnectionState = iota
	AX_STATE_CONNECTING
	AX_STATE_CONNECTED
	AX_STATE_DISCONNECTING
)

func (s AxConnectionState) String() string {
	switch s {
	case AX_STATE_DISCONNECTED:
		return "disconnected"
	case AX_STATE_CONNECTING:
		return "connecting"
	case AX_STATE_CONNECTED:
		return "connected"
	case AX_STATE_DISCONNECTING:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// AxConnection is one remote station's link state.  Fields are guarded
// by the owning LinkManager's lock.
type AxConnection struct {
	Remote AX25Address
	Local  AX25Address // the address the peer connected to
	Port   int         // KISS port the peer was heard on

	// TraceID correlates this link's log lines.
	TraceID string

	State           AxConnectionState
	ConnectedAt     time.Time
	LastActivity    time.Time
	PacketsSent     int
	PacketsReceived int
	InYapp          bool

	// ConnectionID is the persistence row for this link, set by the
	// dispatcher when the connect event is logged.
	ConnectionID int64

	transient bool // synthesized for a bare UI frame, not in the table
}

// RemoteKey returns the table key, "CALL-SSID".
func (c *AxConnection) RemoteKey() string {
	return c.Remote.Key()
}

func (c *AxConnection) String() string {
	return fmt.Sprintf("%s (%s)", c.Remote.Key(), c.State.String())
}

// FrameSender transmits encoded AX.25 frames on a KISS port.
// *TNCClient satisfies it.
type FrameSender interface {
	Transmit(port int, frames [][]byte, spacing time.Duration) error
}

/*-------------------------------------------------------------------
 *
 * Name:	LinkManager
 *
 * Purpose:	Route inbound frames to connections and fan payload out
 *		to the data, connect, disconnect, and YAPP callbacks.
 *
 * Description:	Set the callbacks before the first frame arrives.  The
 *		callbacks fire synchronously on the frame-handling
 *		goroutine with no internal lock held, so they may call
 *		back into the manager.
 *
 *---------------------------------------------------------------*/

type LinkManager struct {
	mu          sync.Mutex
	sender      FrameSender
	local       []AX25Address
	connections map[string]*AxConnection
	yapp        *YappManager
	log         *log.Logger

	OnConnect    func(*AxConnection)
	OnDisconnect func(*AxConnection)
	OnData       func(*AxConnection, []byte)

	// YAPP lifecycle.  Upload delivers the received bytes; download
	// confirms the named file went out; error reports why a transfer
	// died.
	OnYappUpload   func(conn *AxConnection, filename string, data []byte)
	OnYappDownload func(conn *AxConnection, filename string)
	OnYappError    func(conn *AxConnection, reason string)
}

// NewLinkManager listens on behalf of localCallsigns (base callsign
// comparison, so any SSID of a configured call is accepted).
func NewLinkManager(sender FrameSender, localCallsigns []string, logger *log.Logger) *LinkManager {
	if logger == nil {
		logger = log.Default()
	}

	var local []AX25Address
	for _, cs := range localCallsigns {
		if addr, err := ParseAX25Address(cs); err == nil {
			local = append(local, addr)
		}
	}

	return &LinkManager{
		sender:      sender,
		local:       local,
		connections: make(map[string]*AxConnection),
		yapp:        NewYappManager(logger),
		log:         logger.WithPrefix("ax25"),
	}
}

func (m *LinkManager) matchesLocal(addr AX25Address) bool {
	for _, l := range m.local {
		if l.Callsign == addr.Callsign {
			return true
		}
	}

	return false
}

// HandleFrame decodes and routes one inbound frame.  Signature matches
// FrameHandler so it can hang directly off TNCClient.ReadLoop.
func (m *LinkManager) HandleFrame(port int, data []byte) {
	var frame, err = DecodeAX25Frame(data)
	if err != nil {
		m.log.Debug("undecodable frame", "bytes", len(data), "err", err)
		return
	}

	if !m.matchesLocal(frame.Destination) {
		return
	}

	switch {
	case frame.IsSABM():
		m.handleSABM(frame, port)
	case frame.IsDISC():
		m.handleDISC(frame, port)
	case frame.IsUA():
		m.handleUA(frame)
	case frame.IsDM():
		m.handleDM(frame)
	case frame.IsUI():
		m.handleUI(frame, port)
	default:
		m.handleOther(frame, port)
	}
}

func (m *LinkManager) handleSABM(frame *AX25Frame, port int) {
	var key = frame.Source.Key()

	// A repeated SABM replaces whatever link state the peer had;
	// they are starting over.
	var conn = &AxConnection{
		Remote:       frame.Source,
		Local:        frame.Destination,
		Port:         port,
		TraceID:      uuid.New().String()[:8],
		State:        AX_STATE_CONNECTED,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
	}

	m.log.Info("connection request", "from", key, "to", frame.Destination.Key(), "conn", conn.TraceID)

	m.mu.Lock()
	m.connections[key] = conn
	m.mu.Unlock()

	// UA sourced from the dest the peer actually called.
	var ua = NewUAFrame(frame.Source, frame.Destination)
	m.transmitFrame(port, ua)

	if m.OnConnect != nil {
		m.OnConnect(conn)
	}
}

func (m *LinkManager) handleDISC(frame *AX25Frame, port int) {
	var key = frame.Source.Key()

	m.log.Info("disconnect request", "from", key)

	var ua = NewUAFrame(frame.Source, frame.Destination)
	m.transmitFrame(port, ua)

	m.dropConnection(key)
}

// handleUA completes a disconnect we initiated.  Any other UA is just
// an activity marker.
func (m *LinkManager) handleUA(frame *AX25Frame) {
	var key = frame.Source.Key()

	m.mu.Lock()
	var conn, ok = m.connections[key]
	if ok && conn.State == AX_STATE_DISCONNECTING {
		delete(m.connections, key)
		m.mu.Unlock()

		m.log.Info("disconnect complete", "from", key)

		if m.OnDisconnect != nil {
			m.OnDisconnect(conn)
		}

		return
	}
	if ok {
		conn.LastActivity = time.Now()
	}
	m.mu.Unlock()
}

// handleDM drops whatever state we held; the peer says there is no
// link.
func (m *LinkManager) handleDM(frame *AX25Frame) {
	m.dropConnection(frame.Source.Key())
}

func (m *LinkManager) handleUI(frame *AX25Frame, port int) {
	var key = frame.Source.Key()

	m.mu.Lock()
	var conn, ok = m.connections[key]
	if !ok {
		// No prior SABM.  Synthesize a transient connection so the
		// upper layers still get a peer identity.
		conn = &AxConnection{
			Remote:    frame.Source,
			Local:     frame.Destination,
			Port:      port,
			TraceID:   uuid.New().String()[:8],
			State:     AX_STATE_CONNECTED,
			transient: true,
		}
	}
	conn.LastActivity = time.Now()
	conn.PacketsReceived++
	m.mu.Unlock()

	m.deliver(conn, frame.Info)
}

func (m *LinkManager) handleOther(frame *AX25Frame, port int) {
	var key = frame.Source.Key()

	m.mu.Lock()
	var conn, ok = m.connections[key]
	if !ok {
		m.mu.Unlock()

		// Data with no link: refuse with DM.
		var dm = NewDMFrame(frame.Source, frame.Destination)
		m.transmitFrame(port, dm)
		return
	}

	if conn.State != AX_STATE_CONNECTED {
		m.mu.Unlock()
		return
	}

	conn.LastActivity = time.Now()
	conn.PacketsReceived++
	m.mu.Unlock()

	m.deliver(conn, frame.Info)
}

// deliver hands a payload to the YAPP machinery or the data callback.
// An active transfer swallows everything; an ENQ with no transfer
// opens one.
func (m *LinkManager) deliver(conn *AxConnection, info []byte) {
	if len(info) == 0 {
		return
	}

	var key = conn.RemoteKey()

	if m.yapp.Active(key) {
		var response = m.yapp.HandlePacket(key, info)

		if !m.yapp.Active(key) {
			m.setInYapp(conn, false)
		}
		if response != nil {
			m.SendData(conn, response)
		}

		return
	}

	if IsYappPacket(info) && info[0] == YAPP_ENQ {
		m.acceptYappUpload(conn)
		return
	}

	if m.OnData != nil {
		m.OnData(conn, info)
	}
}

func (m *LinkManager) setInYapp(conn *AxConnection, v bool) {
	m.mu.Lock()
	conn.InYapp = v
	m.mu.Unlock()
}

/*-------------------------------------------------------------------
 *
 * YAPP plumbing.
 *
 *---------------------------------------------------------------*/

func (m *LinkManager) attachYappCallbacks(conn *AxConnection, t *YappTransfer) {
	t.OnComplete = func(data []byte, filename string) {
		m.setInYapp(conn, false)

		if t.IsUpload {
			if m.OnYappUpload != nil {
				m.OnYappUpload(conn, filename, data)
			}
		} else if m.OnYappDownload != nil {
			m.OnYappDownload(conn, filename)
		}
	}

	t.OnError = func(reason string) {
		m.setInYapp(conn, false)

		if m.OnYappError != nil {
			m.OnYappError(conn, reason)
		}
	}
}

func (m *LinkManager) acceptYappUpload(conn *AxConnection) {
	var response, t = m.yapp.StartUpload(conn.RemoteKey())
	if t == nil {
		return
	}

	m.attachYappCallbacks(conn, t)
	m.setInYapp(conn, true)

	if response != nil {
		m.SendData(conn, response)
	}
}

// StartYappUpload pre-arms an inbound transfer; the opening ACK goes
// out when the peer's ENQ arrives.
func (m *LinkManager) StartYappUpload(conn *AxConnection) error {
	var _, t = m.yapp.StartUpload(conn.RemoteKey())
	if t == nil {
		return fmt.Errorf("transfer already in progress with %s", conn.RemoteKey())
	}

	m.attachYappCallbacks(conn, t)
	m.setInYapp(conn, true)

	return nil
}

// StartYappDownload begins sending fileData to the peer, opening with
// ENQ.
func (m *LinkManager) StartYappDownload(conn *AxConnection, filename string, fileData []byte) error {
	var enq, t = m.yapp.StartDownload(conn.RemoteKey(), filename, fileData)
	if t == nil {
		return fmt.Errorf("transfer already in progress with %s", conn.RemoteKey())
	}

	m.attachYappCallbacks(conn, t)
	m.setInYapp(conn, true)

	return m.SendData(conn, enq)
}

// InYappMode reports whether the peer has a transfer in flight.
func (m *LinkManager) InYappMode(conn *AxConnection) bool {
	return m.yapp.Active(conn.RemoteKey())
}

/*-------------------------------------------------------------------
 *
 * Outbound path.
 *
 *---------------------------------------------------------------*/

// SendFrames emits each payload as one UI frame, with spacing between
// frames for half-duplex turnaround.
func (m *LinkManager) SendFrames(conn *AxConnection, payloads [][]byte, spacing time.Duration) error {
	if len(payloads) == 0 {
		return nil
	}

	var frames = make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		var ui = NewUIFrame(conn.Remote, conn.Local, p)
		frames = append(frames, ui.Encode())
	}

	var err = m.sender.Transmit(conn.Port, frames, spacing)
	if err != nil {
		m.log.Error("transmit failed", "to", conn.RemoteKey(), "err", err)
		return err
	}

	m.mu.Lock()
	conn.PacketsSent += len(frames)
	conn.LastActivity = time.Now()
	m.mu.Unlock()

	return nil
}

// SendData emits a single UI frame.
func (m *LinkManager) SendData(conn *AxConnection, data []byte) error {
	return m.SendFrames(conn, [][]byte{data}, 0)
}

func (m *LinkManager) transmitFrame(port int, frame *AX25Frame) {
	if err := m.sender.Transmit(port, [][]byte{frame.Encode()}, 0); err != nil {
		m.log.Error("transmit failed", "err", err)
	}
}

// Disconnect sends DISC and waits for the peer's UA to drop the
// entry.  Transient connections have nothing to drop.
func (m *LinkManager) Disconnect(conn *AxConnection) {
	m.mu.Lock()
	if conn.State != AX_STATE_CONNECTED {
		m.mu.Unlock()
		return
	}
	conn.State = AX_STATE_DISCONNECTING
	m.mu.Unlock()

	var disc = NewDISCFrame(conn.Remote, conn.Local)
	m.transmitFrame(conn.Port, disc)
}

// dropConnection removes key from the table and fires OnDisconnect.
func (m *LinkManager) dropConnection(key string) {
	m.mu.Lock()
	var conn, ok = m.connections[key]
	if ok {
		conn.State = AX_STATE_DISCONNECTED
		delete(m.connections, key)
	}
	m.mu.Unlock()

	if ok && m.OnDisconnect != nil {
		m.OnDisconnect(conn)
	}
}

/*-------------------------------------------------------------------
 *
 * Table access and maintenance.
 *
 *---------------------------------------------------------------*/

// Get returns the connection for key ("CALL-SSID"), nil when none.
func (m *LinkManager) Get(key string) *AxConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connections[key]
}

// Connections snapshots the table.
func (m *LinkManager) Connections() []*AxConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = make([]*AxConnection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}

	return out
}

func (m *LinkManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.connections)
}

// CleanupStale reaps connections silent past timeout and file
// transfers silent past the YAPP limit.
func (m *LinkManager) CleanupStale(timeout time.Duration) {
	m.yapp.CleanupTimeouts()

	m.mu.Lock()
	var stale []*AxConnection
	var now = time.Now()
	for key, conn := range m.connections {
		if now.Sub(conn.LastActivity) > timeout {
			stale = append(stale, conn)
			conn.State = AX_STATE_DISCONNECTED
			delete(m.connections, key)
		}
	}
	m.mu.Unlock()

	for _, conn := range stale {
		m.log.Info("reaping stale connection", "remote", conn.RemoteKey())

		if m.OnDisconnect != nil {
			m.OnDisconnect(conn)
		}
	}
}
