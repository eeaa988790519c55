package elmer

/*------------------------------------------------------------------
 *
 * Name:	ptt
 *
 * Purpose:	Key the transmitter before a KISS frame burst and unkey
 *		it afterwards.
 *
 * Description:	Most KISS TNCs (Direwolf included) handle PTT themselves,
 *		so the usual configuration is "none" and this whole file
 *		stays out of the way.  For a bare modem the gateway can
 *		drive the radio directly by one of:
 *
 *		  serial  - RTS or DTR control line of a serial device.
 *		  gpio    - a GPIO line through the character device
 *			    interface (/dev/gpiochipN).
 *		  cm108   - GPIO pin of a CM108/CM119 USB audio adapter
 *			    through its hidraw device.
 *		  rigctld - hamlib network CAT, "T 1" / "T 0" commands.
 *
 *		The CM108 report is curious: the datasheet calls for four
 *		bytes but writes only succeed with five.  Hamlib does the
 *		same thing.
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"
)

const (
	PTT_METHOD_NONE    = "none"
	PTT_METHOD_SERIAL  = "serial"
	PTT_METHOD_GPIO    = "gpio"
	PTT_METHOD_CM108   = "cm108"
	PTT_METHOD_RIGCTLD = "rigctld"
)

// PTTController keys and unkeys the transmitter.  Implementations must
// tolerate repeated Set calls with the same state.
type PTTController interface {
	Set(on bool) error
	Close() error
}

// PTTConfig selects and parameterizes one of the PTT methods.
type PTTConfig struct {
	Method      string `yaml:"ptt_method"`
	Device      string `yaml:"device"`       // serial or hidraw device node
	Line        string `yaml:"line"`         // RTS or DTR, serial method only
	GPIOChip    string `yaml:"gpio_chip"`    // e.g. gpiochip0
	GPIOLine    int    `yaml:"gpio_line"`    // line offset on the chip
	CM108Pin    int    `yaml:"cm108_pin"`    // GPIO pin 1..8, default 3
	RigctldAddr string `yaml:"rigctld_addr"` // host:port, default port 4532
}

// NewPTTController builds the controller named by cfg.Method.  The
// "none" method (and an empty method) yields a nil controller, which
// the TNC client treats as "radio keys itself".
func NewPTTController(cfg PTTConfig) (PTTController, error) {
	switch strings.ToLower(cfg.Method) {
	case "", PTT_METHOD_NONE:
		return nil, nil

	case PTT_METHOD_SERIAL:
		return newSerialPTT(cfg.Device, cfg.Line)

	case PTT_METHOD_GPIO:
		return newGPIOPTT(cfg.GPIOChip, cfg.GPIOLine)

	case PTT_METHOD_CM108:
		return newCM108PTT(cfg.Device, cfg.CM108Pin)

	case PTT_METHOD_RIGCTLD:
		return newRigctldPTT(cfg.RigctldAddr)

	default:
		return nil, fmt.Errorf("ptt: unknown method %q", cfg.Method)
	}
}

/*-------------------------------------------------------------------
 *
 * Serial port RTS/DTR method.
 *
 * The control lines are set through the TIOCMGET/TIOCMSET ioctls:
 * read the modem bits, flip the one we own, write them back.
 *
 *---------------------------------------------------------------*/

type serialPTT struct {
	file *os.File
	bit  int // unix.TIOCM_RTS or unix.TIOCM_DTR
}

func newSerialPTT(device string, line string) (*serialPTT, error) {
	var bit int

	switch strings.ToUpper(line) {
	case "", "RTS":
		bit = unix.TIOCM_RTS
	case "DTR":
		bit = unix.TIOCM_DTR
	default:
		return nil, fmt.Errorf("ptt: serial line must be RTS or DTR, not %q", line)
	}

	var file, err = os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("ptt: open %s: %w", device, err)
	}

	var p = &serialPTT{file: file, bit: bit}

	// Start with the transmitter unkeyed.
	if err := p.Set(false); err != nil {
		file.Close()
		return nil, err
	}

	return p, nil
}

func (p *serialPTT) Set(on bool) error {
	var fd = int(p.file.Fd())

	var bits, err = unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return fmt.Errorf("ptt: TIOCMGET: %w", err)
	}

	if on {
		bits |= p.bit
	} else {
		bits &= ^p.bit
	}

	if err := unix.IoctlSetInt(fd, unix.TIOCMSET, bits); err != nil {
		return fmt.Errorf("ptt: TIOCMSET: %w", err)
	}

	return nil
}

func (p *serialPTT) Close() error {
	p.Set(false)
	return p.file.Close()
}

/*-------------------------------------------------------------------
 *
 * GPIO character device method.
 *
 *---------------------------------------------------------------*/

// gpioOutputLine is the slice of gpiocdev.Line the keyer needs.
type gpioOutputLine interface {
	SetValue(value int) error
	Close() error
}

type gpioPTT struct {
	line gpioOutputLine
}

func newGPIOPTT(chip string, offset int) (*gpioPTT, error) {
	if chip == "" {
		chip = "gpiochip0"
	}

	var line, err = gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("elmer-ptt"))
	if err != nil {
		return nil, fmt.Errorf("ptt: request %s line %d: %w", chip, offset, err)
	}

	return &gpioPTT{line: line}, nil
}

func (p *gpioPTT) Set(on bool) error {
	var v = 0
	if on {
		v = 1
	}

	return p.line.SetValue(v)
}

func (p *gpioPTT) Close() error {
	p.line.SetValue(0)
	return p.line.Close()
}

/*-------------------------------------------------------------------
 *
 * CM108 USB audio adapter GPIO method.
 *
 * The write is a HID output report: two zero bytes, then the data
 * byte, then the direction mask, then one more zero.  Four bytes
 * fails with EPIPE; five works.
 *
 *---------------------------------------------------------------*/

type cm108PTT struct {
	device string
	pin    int // 1..8
}

func newCM108PTT(device string, pin int) (*cm108PTT, error) {
	if pin == 0 {
		pin = 3 // the usual PTT pin on CM108 sound fob wiring
	}

	if pin < 1 || pin > 8 {
		return nil, fmt.Errorf("ptt: CM108 GPIO pin %d must be 1 thru 8", pin)
	}

	// Probe once at startup so a bad device name fails loudly here
	// rather than on the first transmission.
	var fd, err = os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ptt: open %s: %w", device, err)
	}
	fd.Close()

	return &cm108PTT{device: device, pin: pin}, nil
}

func (p *cm108PTT) Set(on bool) error {
	var iomask = byte(1 << (p.pin - 1))

	var iodata byte
	if on {
		iodata = iomask
	}

	var fd, err = os.OpenFile(p.device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ptt: open %s: %w", p.device, err)
	}
	defer fd.Close()

	var _, writeErr = fd.Write([]byte{0, 0, iodata, iomask, 0})
	if writeErr != nil {
		return fmt.Errorf("ptt: write %s: %w", p.device, writeErr)
	}

	return nil
}

func (p *cm108PTT) Close() error {
	return p.Set(false)
}

/*-------------------------------------------------------------------
 *
 * Hamlib rigctld network method.
 *
 * Wire protocol: newline-terminated commands, "T 1" keys and "T 0"
 * unkeys, the daemon answers "RPRT n" where zero is success.
 *
 *---------------------------------------------------------------*/

type rigctldPTT struct {
	addr string
	conn net.Conn
	rd   *bufio.Reader
}

func newRigctldPTT(addr string) (*rigctldPTT, error) {
	if addr == "" {
		addr = "localhost:4532"
	}

	var p = &rigctldPTT{addr: addr}

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *rigctldPTT) connect() error {
	var conn, err = net.DialTimeout("tcp", p.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("ptt: connect rigctld %s: %w", p.addr, err)
	}

	p.conn = conn
	p.rd = bufio.NewReader(conn)

	return nil
}

func (p *rigctldPTT) Set(on bool) error {
	var cmd = "T 0\n"
	if on {
		cmd = "T 1\n"
	}

	var err = p.send(cmd)
	if err != nil {
		// The daemon drops idle clients; one reconnect attempt.
		if connErr := p.connect(); connErr != nil {
			return connErr
		}

		err = p.send(cmd)
	}

	return err
}

func (p *rigctldPTT) send(cmd string) error {
	p.conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := p.conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("ptt: rigctld write: %w", err)
	}

	var reply, err = p.rd.ReadString('\n')
	if err != nil {
		return fmt.Errorf("ptt: rigctld read: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply != "RPRT 0" {
		return fmt.Errorf("ptt: rigctld answered %q", reply)
	}

	return nil
}

func (p *rigctldPTT) Close() error {
	p.send("T 0\n")
	return p.conn.Close()
}
