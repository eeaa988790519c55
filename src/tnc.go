package elmer

/*------------------------------------------------------------------
 *
 * Name:	tnc
 *
 * Purpose:	Attach to a KISS TNC over TCP (e.g. Direwolf on port 8001)
 *		or a serial device, and shuttle KISS frames in both
 *		directions.
 *
 * Description:	One reader goroutine feeds the KISS decoder byte by byte
 *		and hands completed data frames to the owner's callback.
 *		Writes are serialized by a mutex.  Multi-frame transmit
 *		bursts key the radio through the optional PTT controller
 *		and pace frames to respect the half-duplex turnaround.
 *
 *		The TNC connection is established once at startup; a
 *		failure there is fatal for the KISS transport.  A read
 *		error afterwards takes the transport down but the rest of
 *		the gateway keeps serving.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
)

// FrameHandler receives each inbound KISS data frame payload (the AX.25
// frame bytes, escapes already resolved).
type FrameHandler func(port int, payload []byte)

// TNCClient is a KISS TNC attachment.  Zero value is not usable; build
// with NewTNCClient and call Connect before anything else.
type TNCClient struct {
	host    string
	port    int
	device  string // non-empty selects the serial path
	baud    int
	timeout time.Duration

	ptt PTTController
	log *log.Logger

	mu     sync.Mutex
	stream io.ReadWriteCloser
	closed bool
}

type TNCOptions struct {
	Host    string
	Port    int
	Device  string
	Baud    int
	Timeout time.Duration
	PTT     PTTController
	Logger  *log.Logger
}

func NewTNCClient(opts TNCOptions) *TNCClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &TNCClient{
		host:    opts.Host,
		port:    opts.Port,
		device:  opts.Device,
		baud:    opts.Baud,
		timeout: opts.Timeout,
		ptt:     opts.PTT,
		log:     opts.Logger.WithPrefix("kiss"),
	}
}

// Connect opens the TCP socket or serial device.  Must succeed before
// ReadLoop or Transmit are used.
func (t *TNCClient) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream != nil {
		return nil
	}

	if t.device != "" {
		var port, err = serialPortOpen(t.device, t.baud)
		if err != nil {
			return fmt.Errorf("open serial TNC %s: %w", t.device, err)
		}

		t.stream = port
		t.log.Info("attached to serial KISS TNC", "device", t.device, "baud", t.baud)

		return nil
	}

	var addr = net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))

	var conn, err = net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return fmt.Errorf("connect to KISS TNC %s: %w", addr, err)
	}

	t.stream = conn
	t.log.Info("attached to network KISS TNC", "addr", addr)

	return nil
}

// ReadLoop decodes the inbound byte stream and invokes handler for each
// data frame.  Timing-command frames from the TNC are ignored.  Returns
// when the stream ends or Close is called.
func (t *TNCClient) ReadLoop(handler FrameHandler) error {
	t.mu.Lock()
	var stream = t.stream
	t.mu.Unlock()

	if stream == nil {
		return fmt.Errorf("kiss: not connected")
	}

	var dec KissDecoder
	var buf = make([]byte, 4096)

	for {
		var n, err = stream.Read(buf)

		for i := 0; i < n; i++ {
			var res, ok = dec.Feed(buf[i])
			if !ok {
				continue
			}

			if res.Err != nil {
				// Drop the frame, keep the stream; the decoder
				// resynchronizes on the next FEND.
				t.log.Warn("dropping malformed KISS frame", "err", res.Err)
				continue
			}

			if res.Cmd != KISS_CMD_DATA_FRAME {
				t.log.Debug("ignoring KISS command frame", "cmd", res.Cmd)
				continue
			}

			handler(res.Port, res.Payload)
		}

		if err != nil {
			t.mu.Lock()
			var closed = t.closed
			t.mu.Unlock()

			if closed || err == io.EOF {
				return nil
			}

			return fmt.Errorf("kiss: read: %w", err)
		}
	}
}

// Transmit keys the radio (when a PTT controller is attached), writes
// the given AX.25 frames as KISS data frames with the requested
// inter-frame spacing, and unkeys.
func (t *TNCClient) Transmit(port int, frames [][]byte, spacing time.Duration) error {
	if len(frames) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream == nil {
		return fmt.Errorf("kiss: not connected")
	}

	if t.ptt != nil {
		if err := t.ptt.Set(true); err != nil {
			t.log.Warn("PTT assert failed", "err", err)
		}

		defer func() {
			if err := t.ptt.Set(false); err != nil {
				t.log.Warn("PTT release failed", "err", err)
			}
		}()
	}

	for i, frame := range frames {
		if i > 0 && spacing > 0 {
			time.Sleep(spacing)
		}

		var _, err = t.stream.Write(KissEncapsulate(port, KISS_CMD_DATA_FRAME, frame))
		if err != nil {
			return fmt.Errorf("kiss: write: %w", err)
		}
	}

	return nil
}

// SetTiming sends one of the KISS timing commands (TXDELAY, PERSISTENCE,
// SLOTTIME, TXTAIL, FULLDUPLEX).  Values are in the units the KISS spec
// assigns to each command; no response is expected.
func (t *TNCClient) SetTiming(port int, cmd int, value byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream == nil {
		return fmt.Errorf("kiss: not connected")
	}

	var _, err = t.stream.Write(KissEncapsulate(port, cmd, []byte{value}))
	if err != nil {
		return fmt.Errorf("kiss: write timing command %d: %w", cmd, err)
	}

	return nil
}

// Close shuts the stream down.  Safe to call more than once.
func (t *TNCClient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.stream == nil {
		t.closed = true
		return nil
	}

	t.closed = true

	return t.stream.Close()
}

/*-------------------------------------------------------------------
 *
 * Name:	serialPortOpen
 *
 * Purpose:	Open a serial device in raw mode at the requested speed.
 *
 * Inputs:	devicename	- Usually /dev/tty... on Linux.
 *				  Could be /dev/rfcomm0 for Bluetooth.
 *
 *		baud		- 1200, 4800, 9600 bps, etc.
 *				  0 leaves the device's current speed alone.
 *
 *---------------------------------------------------------------*/

func serialPortOpen(devicename string, baud int) (*term.Term, error) {
	var fd, err = term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, err
	}

	switch baud {
	case 0: /* Leave it alone. */
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		if err := fd.SetSpeed(baud); err != nil {
			fd.Close()
			return nil, fmt.Errorf("set speed %d: %w", baud, err)
		}
	default:
		log.Warn("unsupported serial speed, using 9600", "requested", baud)

		if err := fd.SetSpeed(9600); err != nil {
			fd.Close()
			return nil, fmt.Errorf("set speed 9600: %w", err)
		}
	}

	return fd, nil
}
