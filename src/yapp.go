package elmer

/*------------------------------------------------------------------
 *
 * Name:	yapp
 *
 * Purpose:	YAPP file transfer protocol, the lock-step 128-byte
 *		block exchange used for binary files over packet radio.
 *
 * Description:	Each transfer is strictly half duplex: one station
 *		sends a unit (header or block), the other answers ACK
 *		or NAK, and only then does the next unit move.  That
 *		fits UI-frame transport with no windowing.
 *
 *		Upload (peer sends to us):
 *
 *			peer: ENQ
 *			 us:  ACK
 *			peer: SOH + 128-byte header
 *			 us:  ACK
 *			peer: STX + 128-byte block	(repeated)
 *			 us:  ACK			(each block)
 *			peer: ETX
 *			 us:  ACK
 *
 *		Download is the mirror image with us initiating via
 *		ENQ.  The header is "<filename> <size> <mtime>\r"
 *		NUL-padded to 128 bytes.  The final data block is
 *		NUL-padded too; the receiver truncates to the declared
 *		size.  Three consecutive NAKs, or 30 seconds of
 *		silence, cancels the transfer with CAN.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

/*
 * Control bytes.  A UI payload whose first byte is one of these is
 * treated as YAPP while a transfer is active.
 */
const (
	YAPP_SOH = 0x01 // start of header
	YAPP_STX = 0x02 // start of data block
	YAPP_ETX = 0x03 // end of data
	YAPP_EOT = 0x04 // end of transmission
	YAPP_ENQ = 0x05 // request to send
	YAPP_ACK = 0x06
	YAPP_NAK = 0x15
	YAPP_CAN = 0x18 // cancel

	YAPP_BLOCK_SIZE  = 128
	YAPP_HEADER_SIZE = 128
	YAPP_MAX_RETRIES = 3
	YAPP_TIMEOUT     = 30 * time.Second
)

type YappState int

const (
	YAPP_STATE_IDLE YappState = iota
	YAPP_STATE_WAIT_ACK
	YAPP_STATE_RECEIVING_HEADER
	YAPP_STATE_SENDING_HEADER
	YAPP_STATE_RECEIVING_DATA
	YAPP_STATE_SENDING_DATA
	YAPP_STATE_COMPLETE
	YAPP_STATE_ERROR
)

func (s YappState) String() string {
	switch s {
	case YAPP_STATE_IDLE:
		return "idle"
	case YAPP_STATE_WAIT_ACK:
		return "wait_ack"
	case YAPP_STATE_RECEIVING_HEADER:
		return "receiving_header"
	case YAPP_STATE_SENDING_HEADER:
		return "sending_header"
	case YAPP_STATE_RECEIVING_DATA:
		return "receiving_data"
	case YAPP_STATE_SENDING_DATA:
		return "sending_data"
	case YAPP_STATE_COMPLETE:
		return "complete"
	case YAPP_STATE_ERROR:
		return "error"
	default:
		return "unknown"
	}
}

// IsYappPacket reports whether a UI payload looks like a YAPP control
// packet.
func IsYappPacket(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	switch data[0] {
	case YAPP_SOH, YAPP_STX, YAPP_ETX, YAPP_EOT, YAPP_ENQ, YAPP_ACK, YAPP_NAK, YAPP_CAN:
		return true
	default:
		return false
	}
}

/*-------------------------------------------------------------------
 *
 * Header encoding.
 *
 *---------------------------------------------------------------*/

type YappHeader struct {
	Filename  string
	FileSize  int
	Timestamp int64
}

// Encode renders "<filename> <size> <mtime>\r" NUL-padded to exactly
// 128 bytes, shortening the filename when the fixed fields leave no
// room.
func (h YappHeader) Encode() []byte {
	var text = fmt.Sprintf("%s %d %d\r", h.Filename, h.FileSize, h.Timestamp)

	if len(text) > YAPP_HEADER_SIZE {
		var fixed = len(strconv.Itoa(h.FileSize)) + len(strconv.FormatInt(h.Timestamp, 10)) + 3
		var name = h.Filename[:YAPP_HEADER_SIZE-fixed-1]
		text = fmt.Sprintf("%s %d %d\r", name, h.FileSize, h.Timestamp)
	}

	var out = make([]byte, YAPP_HEADER_SIZE)
	copy(out, text)

	return out
}

// DecodeYappHeader parses the 128-byte header block.  Returns false
// when the header does not carry at least a filename and a size.
func DecodeYappHeader(data []byte) (YappHeader, bool) {
	var text = strings.TrimRight(string(data), "\x00")
	text = strings.TrimSpace(text)

	var parts = strings.Fields(text)
	if len(parts) < 2 {
		return YappHeader{}, false
	}

	var size, err = strconv.Atoi(parts[1])
	if err != nil || size < 0 {
		return YappHeader{}, false
	}

	var h = YappHeader{Filename: parts[0], FileSize: size}

	if len(parts) >= 3 {
		if ts, tsErr := strconv.ParseInt(parts[2], 10, 64); tsErr == nil {
			h.Timestamp = ts
		}
	}

	return h, true
}

/*-------------------------------------------------------------------
 *
 * Single transfer state machine.
 *
 *---------------------------------------------------------------*/

// YappTransfer is one upload or download in progress with one peer.
// Not safe for concurrent use; the owning manager serializes access.
type YappTransfer struct {
	IsUpload bool // true: we receive; false: we send
	Callsign string

	State        YappState
	Header       YappHeader
	haveHeader   bool
	fileData     []byte
	currentBlock int
	totalBlocks  int

	LastActivity time.Time
	retries      int

	// OnComplete fires once with the exact received bytes (uploads)
	// or on the final ACK (downloads, data is what we sent).
	OnComplete func(data []byte, filename string)
	OnError    func(reason string)
	OnProgress func(current, total int)
}

// NewYappUpload prepares to receive a file from callsign.
func NewYappUpload(callsign string) *YappTransfer {
	return &YappTransfer{
		IsUpload:     true,
		Callsign:     callsign,
		State:        YAPP_STATE_IDLE,
		LastActivity: time.Now(),
	}
}

// NewYappDownload prepares to send fileData to callsign.
func NewYappDownload(callsign, filename string, fileData []byte) *YappTransfer {
	return &YappTransfer{
		IsUpload: false,
		Callsign: callsign,
		State:    YAPP_STATE_IDLE,
		Header: YappHeader{
			Filename:  filename,
			FileSize:  len(fileData),
			Timestamp: time.Now().Unix(),
		},
		haveHeader:   true,
		fileData:     append([]byte(nil), fileData...),
		totalBlocks:  (len(fileData) + YAPP_BLOCK_SIZE - 1) / YAPP_BLOCK_SIZE,
		LastActivity: time.Now(),
	}
}

// Start returns the opening packet: ACK for an upload we accepted
// (the peer already sent ENQ), ENQ for a download we initiate.
func (t *YappTransfer) Start() []byte {
	t.LastActivity = time.Now()

	if t.IsUpload {
		// Our ACK answers the peer's ENQ; the header comes next.
		t.State = YAPP_STATE_RECEIVING_HEADER
		return []byte{YAPP_ACK}
	}

	t.State = YAPP_STATE_WAIT_ACK
	return []byte{YAPP_ENQ}
}

// HandlePacket advances the state machine with one inbound packet and
// returns the packet to send back, or nil for silence.
func (t *YappTransfer) HandlePacket(data []byte) []byte {
	t.LastActivity = time.Now()

	if len(data) == 0 {
		return nil
	}

	var control = data[0]

	if control == YAPP_CAN {
		t.fail("Transfer cancelled by remote station")
		return nil
	}

	switch t.State {
	case YAPP_STATE_WAIT_ACK:
		switch control {
		case YAPP_ACK:
			// Peer accepted our ENQ; send the header.
			t.State = YAPP_STATE_SENDING_HEADER
			t.retries = 0
			return t.headerPacket()
		case YAPP_NAK:
			return t.handleNak()
		}

	case YAPP_STATE_RECEIVING_HEADER:
		switch control {
		case YAPP_ENQ:
			// Duplicate ENQ, or the first ENQ on a pre-armed
			// transfer.  Re-ACK; the peer may have missed ours.
			return []byte{YAPP_ACK}
		case YAPP_SOH:
			if len(data) < 1+YAPP_HEADER_SIZE {
				return []byte{YAPP_NAK}
			}

			var h, ok = DecodeYappHeader(data[1 : 1+YAPP_HEADER_SIZE])
			if !ok {
				return []byte{YAPP_NAK}
			}

			t.Header = h
			t.haveHeader = true
			t.totalBlocks = (h.FileSize + YAPP_BLOCK_SIZE - 1) / YAPP_BLOCK_SIZE
			t.State = YAPP_STATE_RECEIVING_DATA
			t.retries = 0

			return []byte{YAPP_ACK}
		case YAPP_ACK:
			// Stray ACK before the header; harmless.
			return nil
		}

	case YAPP_STATE_RECEIVING_DATA:
		switch control {
		case YAPP_STX:
			if len(data) < 2 {
				return []byte{YAPP_NAK}
			}

			t.fileData = append(t.fileData, data[1:]...)
			t.currentBlock++
			t.retries = 0

			if t.OnProgress != nil {
				t.OnProgress(t.currentBlock, t.totalBlocks)
			}

			if len(t.fileData) >= t.Header.FileSize {
				t.fileData = t.fileData[:t.Header.FileSize]
				t.State = YAPP_STATE_COMPLETE

				if t.OnComplete != nil {
					t.OnComplete(t.fileData, t.Header.Filename)
				}
			}

			return []byte{YAPP_ACK}

		case YAPP_ETX:
			if len(t.fileData) >= t.Header.FileSize {
				t.fileData = t.fileData[:t.Header.FileSize]
				t.State = YAPP_STATE_COMPLETE

				if t.OnComplete != nil {
					t.OnComplete(t.fileData, t.Header.Filename)
				}

				return []byte{YAPP_ACK}
			}

			// Peer claims end of data short of the declared size.
			return []byte{YAPP_NAK}
		}

	case YAPP_STATE_SENDING_HEADER:
		switch control {
		case YAPP_ACK:
			t.State = YAPP_STATE_SENDING_DATA
			t.retries = 0
			return t.nextBlockPacket()
		case YAPP_NAK:
			return t.handleNak()
		}

	case YAPP_STATE_SENDING_DATA:
		switch control {
		case YAPP_ACK:
			t.currentBlock++
			t.retries = 0

			if t.OnProgress != nil {
				t.OnProgress(t.currentBlock, t.totalBlocks)
			}

			if t.currentBlock >= t.totalBlocks {
				t.State = YAPP_STATE_COMPLETE

				if t.OnComplete != nil {
					t.OnComplete(t.fileData, t.Header.Filename)
				}

				return []byte{YAPP_ETX}
			}

			return t.nextBlockPacket()
		case YAPP_NAK:
			return t.handleNak()
		}
	}

	return nil
}

func (t *YappTransfer) headerPacket() []byte {
	if !t.haveHeader {
		t.State = YAPP_STATE_ERROR
		return []byte{YAPP_CAN}
	}

	var pkt = make([]byte, 0, 1+YAPP_HEADER_SIZE)
	pkt = append(pkt, YAPP_SOH)
	pkt = append(pkt, t.Header.Encode()...)

	return pkt
}

func (t *YappTransfer) nextBlockPacket() []byte {
	if t.currentBlock >= t.totalBlocks {
		return []byte{YAPP_ETX}
	}

	var start = t.currentBlock * YAPP_BLOCK_SIZE
	var end = start + YAPP_BLOCK_SIZE
	if end > len(t.fileData) {
		end = len(t.fileData)
	}

	var pkt = make([]byte, 1+YAPP_BLOCK_SIZE)
	pkt[0] = YAPP_STX
	copy(pkt[1:], t.fileData[start:end])

	return pkt
}

// handleNak retransmits the current unit.  Three consecutive NAKs
// abandon the transfer.
func (t *YappTransfer) handleNak() []byte {
	t.retries++

	if t.retries >= YAPP_MAX_RETRIES {
		t.fail("Max retries exceeded")
		return []byte{YAPP_CAN}
	}

	switch t.State {
	case YAPP_STATE_WAIT_ACK:
		return []byte{YAPP_ENQ}
	case YAPP_STATE_SENDING_HEADER:
		return t.headerPacket()
	case YAPP_STATE_SENDING_DATA:
		return t.nextBlockPacket()
	default:
		return nil
	}
}

func (t *YappTransfer) fail(reason string) {
	t.State = YAPP_STATE_ERROR

	if t.OnError != nil {
		t.OnError(reason)
	}
}

// Cancel aborts the transfer locally and returns the CAN to send.
func (t *YappTransfer) Cancel() []byte {
	t.State = YAPP_STATE_ERROR
	return []byte{YAPP_CAN}
}

func (t *YappTransfer) IsComplete() bool { return t.State == YAPP_STATE_COMPLETE }
func (t *YappTransfer) IsError() bool    { return t.State == YAPP_STATE_ERROR }

// TimedOut reports 30 seconds without any packet in either direction.
func (t *YappTransfer) TimedOut() bool {
	return time.Since(t.LastActivity) > YAPP_TIMEOUT
}

// Progress returns blocks done and blocks expected.
func (t *YappTransfer) Progress() (int, int) {
	return t.currentBlock, t.totalBlocks
}

/*-------------------------------------------------------------------
 *
 * Transfer table, one slot per peer callsign.
 *
 *---------------------------------------------------------------*/

type YappManager struct {
	mu        sync.Mutex
	transfers map[string]*YappTransfer
	log       *log.Logger
}

func NewYappManager(logger *log.Logger) *YappManager {
	if logger == nil {
		logger = log.Default()
	}

	return &YappManager{
		transfers: make(map[string]*YappTransfer),
		log:       logger.WithPrefix("yapp"),
	}
}

// StartUpload registers an inbound transfer from callsign and returns
// the opening ACK.  Nil if that peer already has a transfer running.
func (m *YappManager) StartUpload(callsign string) ([]byte, *YappTransfer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.transfers[callsign]; busy {
		m.log.Warn("transfer already in progress", "callsign", callsign)
		return nil, nil
	}

	var t = NewYappUpload(callsign)
	m.transfers[callsign] = t

	m.log.Info("upload started", "callsign", callsign)

	return t.Start(), t
}

// StartDownload registers an outbound transfer to callsign and returns
// the opening ENQ.  Nil if that peer already has a transfer running.
func (m *YappManager) StartDownload(callsign, filename string, fileData []byte) ([]byte, *YappTransfer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.transfers[callsign]; busy {
		m.log.Warn("transfer already in progress", "callsign", callsign)
		return nil, nil
	}

	var t = NewYappDownload(callsign, filename, fileData)
	m.transfers[callsign] = t

	m.log.Info("download started", "callsign", callsign, "file", filename, "bytes", len(fileData))

	return t.Start(), t
}

// HandlePacket routes one inbound YAPP packet.  An ENQ with no running
// transfer opens a fresh upload.  Completed and failed transfers leave
// the table immediately.
//
// The transfer's callbacks fire here without the table lock held, so
// they may call back into the manager.  Frames from one peer arrive in
// order on a single goroutine, which keeps the transfer itself safe.
func (m *YappManager) HandlePacket(callsign string, data []byte) []byte {
	m.mu.Lock()
	var t, ok = m.transfers[callsign]
	m.mu.Unlock()

	if !ok {
		if len(data) > 0 && data[0] == YAPP_ENQ {
			m.log.Info("unsolicited ENQ, accepting upload", "callsign", callsign)
			var response, _ = m.StartUpload(callsign)
			return response
		}

		return nil
	}

	var response = t.HandlePacket(data)

	if t.IsComplete() || t.IsError() {
		m.mu.Lock()
		delete(m.transfers, callsign)
		m.mu.Unlock()
	}

	return response
}

// Get returns the running transfer for callsign, nil when none.
func (m *YappManager) Get(callsign string) *YappTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transfers[callsign]
}

// Active reports whether callsign has a transfer in flight.
func (m *YappManager) Active(callsign string) bool {
	return m.Get(callsign) != nil
}

// Cancel aborts callsign's transfer, returning the CAN to transmit.
func (m *YappManager) Cancel(callsign string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var t, ok = m.transfers[callsign]
	if !ok {
		return nil
	}

	delete(m.transfers, callsign)

	return t.Cancel()
}

// CleanupTimeouts drops transfers silent past the 30-second limit.
func (m *YappManager) CleanupTimeouts() {
	m.mu.Lock()
	var expired []*YappTransfer
	for callsign, t := range m.transfers {
		if t.TimedOut() {
			m.log.Warn("transfer timed out", "callsign", callsign, "state", t.State.String())
			expired = append(expired, t)
			delete(m.transfers, callsign)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		t.State = YAPP_STATE_ERROR

		if t.OnError != nil {
			t.OnError("Transfer timed out")
		}
	}
}
