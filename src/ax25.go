package elmer

/*------------------------------------------------------------------
 *
 * Name:	ax25
 *
 * Purpose:	Assemble and disassemble AX.25 v2.2 frames.
 *
 * Description:	Each frame starts with 2-10 addresses (14-70 octets):
 *
 *		* Destination Address
 *		* Source Address
 *		* 0-8 Digipeater Addresses
 *
 *		Each address is composed of:
 *
 *		* 6 upper case letters or digits, blank padded.
 *		  These are shifted left one bit, leaving the LSB always 0.
 *
 *		* a 7th octet containing the SSID and flags:
 *
 *			C R R SSID 0, where,
 *
 *			C = command/response (or has-been-repeated for
 *			    digipeater positions)
 *			R R = reserved, 1 1 when unused
 *			SSID = substation ID, 0-15
 *			0 = zero except for the last address octet
 *
 *		Next is a one byte Control Field.  The gateway traffics in
 *		unnumbered frames only: SABM and DISC open and close a
 *		session, UA and DM acknowledge and refuse, and UI carries
 *		every data payload.  Connected-mode I-frame windowing is
 *		deliberately not implemented; payload transport after the
 *		SABM/UA handshake rides on UI frames, so a lossy channel
 *		may hand the dispatcher partial or duplicated lines.
 *
 *		A Protocol ID octet (0xF0 = no layer 3) plus the
 *		Information Field follow only for I and UI frames.
 *
 * References:	AX.25 Link Access Protocol for Amateur Packet Radio,
 *		version 2.2, July 1998.
 *
 *------------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"strings"
)

const AX25_MAX_REPEATERS = 8
const AX25_MIN_ADDRS = 2  /* Destination & Source. */
const AX25_MAX_ADDRS = 10 /* Destination, Source, 8 digipeaters. */

const AX25_ADDR_LEN = 7

// Destination + source addresses and control.  U frames like SABM and
// UA carry no PID, so this is the complete minimum.
const AX25_MIN_FRAME_LEN = 2*AX25_ADDR_LEN + 1

const AX25_PID_NO_LAYER_3 = 0xF0

/*
 * Control field values for the unnumbered frames we traffic in.  The
 * constructors carry the P/F bit set; classification masks it off
 * (control & 0xEF) so both polarities are recognized.
 */
const (
	AX25_CTRL_SABM = 0x3F // SABM with P=1
	AX25_CTRL_UA   = 0x73 // UA with F=1
	AX25_CTRL_DISC = 0x53 // DISC with P=1
	AX25_CTRL_DM   = 0x1F // DM with F=1
	AX25_CTRL_UI   = 0x03
)

const (
	SSID_CR_MASK   = 0x80
	SSID_CR_SHIFT  = 7
	SSID_RR_MASK   = 0x60
	SSID_RR_SHIFT  = 5
	SSID_SSID_MASK = 0x1E
	SSID_SSID_SHIFT = 1
	SSID_LAST_MASK  = 0x01
)

var ErrFrameTooShort = errors.New("ax25: frame too short")

var ErrBadAddress = errors.New("ax25: malformed address field")

// AX25Address is one callsign+SSID slot in the address field.
type AX25Address struct {
	Callsign string // Up to 6 upper case letters or digits.
	SSID     int    // 0-15.
	CR       bool   // Command/response bit (has-been-repeated for digis).
	Reserved int    // Two reserved bits, 3 when unused.
	Last     bool   // Set on the final address in the field.
}

// NewAX25Address builds an address with the conventional reserved bits.
func NewAX25Address(callsign string, ssid int) AX25Address {
	return AX25Address{
		Callsign: strings.ToUpper(strings.TrimSpace(callsign)),
		SSID:     ssid & 0x0F,
		Reserved: 3,
	}
}

// ParseAX25Address accepts "CALL" or "CALL-SSID" text form.
func ParseAX25Address(s string) (AX25Address, error) {
	var base, ssid = SplitCallsignSSID(s)

	if base == "" || len(base) > 6 {
		return AX25Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}

	if ssid < 0 || ssid > 15 {
		return AX25Address{}, fmt.Errorf("%w: SSID out of range in %q", ErrBadAddress, s)
	}

	return NewAX25Address(base, ssid), nil
}

// Key is the connection-table form: always CALL-SSID, SSID included
// even when zero, so W1ABC and W1ABC-0 land in the same slot.
func (a AX25Address) Key() string {
	return fmt.Sprintf("%s-%d", a.Callsign, a.SSID)
}

// String renders the customary display form, omitting a zero SSID.
func (a AX25Address) String() string {
	if a.SSID == 0 {
		return a.Callsign
	}

	return fmt.Sprintf("%s-%d", a.Callsign, a.SSID)
}

// Encode emits the seven wire octets: callsign characters shifted left
// one bit, then the SSID octet packing C/R, reserved, SSID and the
// last-address bit.
func (a AX25Address) Encode() []byte {
	var out = make([]byte, AX25_ADDR_LEN)

	var padded = a.Callsign
	for len(padded) < 6 {
		padded += " "
	}

	for i := 0; i < 6; i++ {
		out[i] = padded[i] << 1
	}

	var ssid byte
	if a.CR {
		ssid |= SSID_CR_MASK
	}

	ssid |= byte(a.Reserved) << SSID_RR_SHIFT & SSID_RR_MASK
	ssid |= byte(a.SSID) << SSID_SSID_SHIFT & SSID_SSID_MASK

	if a.Last {
		ssid |= SSID_LAST_MASK
	}

	out[6] = ssid

	return out
}

// DecodeAX25Address unpacks seven wire octets.
func DecodeAX25Address(b []byte) (AX25Address, error) {
	if len(b) < AX25_ADDR_LEN {
		return AX25Address{}, fmt.Errorf("%w: %d bytes", ErrBadAddress, len(b))
	}

	var call = make([]byte, 0, 6)
	for i := 0; i < 6; i++ {
		var c = b[i] >> 1
		if c != ' ' {
			call = append(call, c)
		}
	}

	var ssid = b[6]

	return AX25Address{
		Callsign: string(call),
		SSID:     int(ssid&SSID_SSID_MASK) >> SSID_SSID_SHIFT,
		CR:       ssid&SSID_CR_MASK != 0,
		Reserved: int(ssid&SSID_RR_MASK) >> SSID_RR_SHIFT,
		Last:     ssid&SSID_LAST_MASK != 0,
	}, nil
}

// AX25Frame is a full link-layer frame, FCS excluded (the TNC owns the
// checksum).
type AX25Frame struct {
	Destination AX25Address
	Source      AX25Address
	Digipeaters []AX25Address
	Control     byte
	PID         byte
	Info        []byte
}

func NewSABMFrame(dest, src AX25Address) *AX25Frame {
	dest.CR = true
	return &AX25Frame{Destination: dest, Source: src, Control: AX25_CTRL_SABM}
}

func NewUAFrame(dest, src AX25Address) *AX25Frame {
	return &AX25Frame{Destination: dest, Source: src, Control: AX25_CTRL_UA}
}

func NewDISCFrame(dest, src AX25Address) *AX25Frame {
	dest.CR = true
	return &AX25Frame{Destination: dest, Source: src, Control: AX25_CTRL_DISC}
}

func NewDMFrame(dest, src AX25Address) *AX25Frame {
	return &AX25Frame{Destination: dest, Source: src, Control: AX25_CTRL_DM}
}

func NewUIFrame(dest, src AX25Address, info []byte) *AX25Frame {
	return &AX25Frame{
		Destination: dest,
		Source:      src,
		Control:     AX25_CTRL_UI,
		PID:         AX25_PID_NO_LAYER_3,
		Info:        info,
	}
}

/*
 * Frame type predicates.  The P/F bit (0x10) is masked off so a SABM
 * arrives equally well with or without poll set.
 */

func (f *AX25Frame) IsSABM() bool { return f.Control&0xEF == 0x2F }
func (f *AX25Frame) IsDISC() bool { return f.Control&0xEF == 0x43 }
func (f *AX25Frame) IsUA() bool   { return f.Control&0xEF == 0x63 }
func (f *AX25Frame) IsDM() bool   { return f.Control&0xEF == 0x0F }
func (f *AX25Frame) IsUI() bool   { return f.Control == AX25_CTRL_UI }

// IsIFrame reports a connected-mode information frame (LSB zero).
func (f *AX25Frame) IsIFrame() bool { return f.Control&0x01 == 0 }

// IsInfoFrame reports whether the frame carries PID + info (I or UI).
func (f *AX25Frame) IsInfoFrame() bool { return f.IsIFrame() || f.IsUI() }

// Encode emits the wire form: addresses with the last-address bit
// placed correctly, control, then PID and info for I/UI frames.
func (f *AX25Frame) Encode() []byte {
	var out = make([]byte, 0, AX25_MIN_FRAME_LEN+len(f.Info)+len(f.Digipeaters)*AX25_ADDR_LEN)

	var dest = f.Destination
	dest.Last = false
	out = append(out, dest.Encode()...)

	var src = f.Source
	src.Last = len(f.Digipeaters) == 0
	out = append(out, src.Encode()...)

	for i, digi := range f.Digipeaters {
		digi.Last = i == len(f.Digipeaters)-1
		out = append(out, digi.Encode()...)
	}

	out = append(out, f.Control)

	if f.IsInfoFrame() {
		out = append(out, f.PID)
		out = append(out, f.Info...)
	}

	return out
}

// DecodeAX25Frame parses wire bytes into a frame.  Truncated input
// fails with ErrFrameTooShort; an address field that never terminates
// or exceeds ten slots fails with ErrBadAddress.
func DecodeAX25Frame(raw []byte) (*AX25Frame, error) {
	if len(raw) < AX25_MIN_FRAME_LEN {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(raw))
	}

	var addrs []AX25Address
	var pos = 0

	for {
		if pos+AX25_ADDR_LEN > len(raw) {
			return nil, fmt.Errorf("%w: address field runs off the end", ErrBadAddress)
		}

		var addr, err = DecodeAX25Address(raw[pos : pos+AX25_ADDR_LEN])
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, addr)
		pos += AX25_ADDR_LEN

		if addr.Last {
			break
		}

		if len(addrs) >= AX25_MAX_ADDRS {
			return nil, fmt.Errorf("%w: more than %d addresses", ErrBadAddress, AX25_MAX_ADDRS)
		}
	}

	if len(addrs) < AX25_MIN_ADDRS {
		return nil, fmt.Errorf("%w: only %d addresses", ErrBadAddress, len(addrs))
	}

	if pos >= len(raw) {
		return nil, fmt.Errorf("%w: missing control field", ErrFrameTooShort)
	}

	var f = &AX25Frame{
		Destination: addrs[0],
		Source:      addrs[1],
		Digipeaters: addrs[2:],
		Control:     raw[pos],
	}

	pos++

	if f.IsInfoFrame() && pos < len(raw) {
		f.PID = raw[pos]
		pos++
		f.Info = raw[pos:]
	}

	return f, nil
}

func (f *AX25Frame) String() string {
	var kind string

	switch {
	case f.IsSABM():
		kind = "SABM"
	case f.IsDISC():
		kind = "DISC"
	case f.IsUA():
		kind = "UA"
	case f.IsDM():
		kind = "DM"
	case f.IsUI():
		kind = "UI"
	default:
		kind = fmt.Sprintf("ctl=0x%02x", f.Control)
	}

	var via = ""
	if len(f.Digipeaters) > 0 {
		var names = make([]string, len(f.Digipeaters))
		for i, d := range f.Digipeaters {
			names[i] = d.String()
		}

		via = "," + strings.Join(names, ",")
	}

	if len(f.Info) > 0 {
		return fmt.Sprintf("%s>%s%s:%s len=%d", f.Source, f.Destination, via, kind, len(f.Info))
	}

	return fmt.Sprintf("%s>%s%s:%s", f.Source, f.Destination, via, kind)
}
