package elmer

/*------------------------------------------------------------------
 *
 * Name:	kiss
 *
 * Purpose:	Encapsulate and unwrap KISS frames exchanged with the TNC
 *		over a reliable byte stream (TCP socket or serial port).
 *
 * Description:	A KISS frame on the wire looks like:
 *
 *			FEND (0xC0)
 *			command byte: (port << 4) | command
 *			data
 *			FEND
 *
 *		Everything between the FENDs, command byte included, is
 *		escaped:
 *
 *			FEND -> FESC TFEND
 *			FESC -> FESC TFESC
 *
 *		Only command 0 (data frame) carries an AX.25 frame.  The
 *		other commands tune TNC transmit timing and expect no
 *		response.  Consecutive FENDs produce empty frames which are
 *		dropped silently.
 *
 *		The decoder is a two-state machine: searching for the
 *		opening FEND, then collecting bytes until the closing FEND.
 *		Escapes are resolved when the frame completes so that a
 *		malformed escape only costs the one frame; the stream
 *		resynchronizes on the next FEND.
 *
 * References:	The KISS TNC: A simple Host-to-TNC communications protocol.
 *		Mike Chepponis K3MC, Phil Karn KA9Q.
 *		http://www.ka9q.net/papers/kiss.html
 *
 *------------------------------------------------------------------*/

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD
)

const (
	KISS_CMD_DATA_FRAME   = 0
	KISS_CMD_TXDELAY      = 1
	KISS_CMD_PERSISTENCE  = 2
	KISS_CMD_SLOTTIME     = 3
	KISS_CMD_TXTAIL       = 4
	KISS_CMD_FULLDUPLEX   = 5
	KISS_CMD_SET_HARDWARE = 6
	KISS_CMD_RETURN       = 0xFF
)

// Generous bound; an AX.25 frame tops out well below this even
// with every byte escaped.
const KISS_MAX_FRAME_LEN = 2048

var ErrKissBadEscape = errors.New("kiss: FESC not followed by TFEND or TFESC")

var ErrKissFrameTooLong = errors.New("kiss: frame exceeds maximum length")

// KissEncapsulate builds a complete KISS frame for the given TNC port
// (0-15) and command.  For command 0 the payload is an AX.25 frame; for
// the timing commands it is a single parameter byte.
//
// The command byte goes through the same escaping as the payload: port
// 12 packs a data frame to 0xC0, which would otherwise read back as a
// frame boundary.
func KissEncapsulate(port int, cmd int, payload []byte) []byte {
	var buf bytes.Buffer

	buf.WriteByte(FEND)

	var body = make([]byte, 0, len(payload)+1)
	body = append(body, byte((port&0x0F)<<4|(cmd&0x0F)))
	body = append(body, payload...)

	for _, b := range body {
		switch b {
		case FEND:
			buf.WriteByte(FESC)
			buf.WriteByte(TFEND)
		case FESC:
			buf.WriteByte(FESC)
			buf.WriteByte(TFESC)
		default:
			buf.WriteByte(b)
		}
	}

	buf.WriteByte(FEND)

	return buf.Bytes()
}

// KissUnwrap reverses the escaping of a collected frame body (everything
// between the two FENDs), then splits the port and command out of its
// first byte.
func KissUnwrap(body []byte) (port int, cmd int, payload []byte, err error) {
	if len(body) == 0 {
		return 0, 0, nil, errors.New("kiss: empty frame")
	}

	var out = make([]byte, 0, len(body))
	var escaped = false

	for _, b := range body {
		if escaped {
			switch b {
			case TFEND:
				out = append(out, FEND)
			case TFESC:
				out = append(out, FESC)
			default:
				return 0, 0, nil, fmt.Errorf("%w (0x%02x)", ErrKissBadEscape, b)
			}

			escaped = false

			continue
		}

		if b == FESC {
			escaped = true
			continue
		}

		out = append(out, b)
	}

	if escaped {
		return 0, 0, nil, fmt.Errorf("%w (end of frame)", ErrKissBadEscape)
	}

	if len(out) == 0 {
		return 0, 0, nil, errors.New("kiss: empty frame")
	}

	return int(out[0] >> 4), int(out[0] & 0x0F), out[1:], nil
}

type kissState int

const (
	kissSearching  kissState = iota // Looking for FEND to start a frame.
	kissCollecting                  // Between FENDs, accumulating the body.
)

// KissDecoder accumulates bytes from the TNC stream and yields one
// unwrapped frame at a time.  Decode errors are reported through the
// Err field of the returned result so the caller can log and carry on;
// the decoder has already resynchronized by then.
type KissDecoder struct {
	state kissState
	body  []byte
}

// KissResult is one decoded frame, or the error that killed it.
type KissResult struct {
	Port    int
	Cmd     int
	Payload []byte
	Err     error
}

// Feed advances the decoder by one byte.  The boolean is true when a
// complete frame (or a frame-sized error) is available.
func (d *KissDecoder) Feed(b byte) (KissResult, bool) {
	switch d.state {
	case kissSearching:
		if b == FEND {
			d.state = kissCollecting
			d.body = d.body[:0]
		}
		// Anything before the first FEND is noise, e.g. a TNC
		// greeting banner.  Skip it.
		return KissResult{}, false

	case kissCollecting:
		if b != FEND {
			if len(d.body) >= KISS_MAX_FRAME_LEN {
				d.state = kissSearching
				return KissResult{Err: ErrKissFrameTooLong}, true
			}

			d.body = append(d.body, b)

			return KissResult{}, false
		}

		// Closing FEND.  A lone FEND pair (empty body) is dropped
		// silently; the same FEND opens the next frame.
		if len(d.body) == 0 {
			return KissResult{}, false
		}

		var port, cmd, payload, err = KissUnwrap(d.body)

		d.body = nil

		if err != nil {
			return KissResult{Err: err}, true
		}

		return KissResult{Port: port, Cmd: cmd, Payload: payload}, true
	}

	return KissResult{}, false
}
