/* Monitor and exercise a KISS TNC from the command line. */
package main

/*
 * Attaches to the same Direwolf KISS port the gateway uses and prints
 * every AX.25 frame heard, so you can watch the gateway's channel (or
 * any other KISS TNC) without keying up.  Lines typed on stdin are
 * sent as UI frames, which is handy for poking at the gateway from a
 * second terminal.
 *
 * Input, starting with an upper case letter or digit, is an AX.25
 * frame in the usual TNC2 monitoring format:
 *
 *	N0CALL-7>ELMER:hello there
 *
 * Input starting with a lower case letter is a KISS timing command
 * (d=txDelay p=persistence s=slot time t=txTail f=full duplex, value
 * in 10ms units where applicable).  A "[9]" prefix selects a channel
 * other than 0.
 */

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"

	elmer "github.com/elmerbbs/elmer/src"
)

var verbose = false

var receiveOutput = ""

var timestampFormat = ""

func main() {
	var hostname = pflag.StringP("hostname", "h", "localhost", "Hostname of TCP KISS TNC.")

	var port = pflag.IntP("port", "p", 8001, "TCP port of KISS TNC.")

	var device = pflag.StringP("device", "d", "", "Serial KISS device, e.g. /dev/ttyAMA0.  Overrides hostname/port.")

	var serialSpeed = pflag.IntP("serial-speed", "s", 9600, "Serial port speed.")

	var _verbose = pflag.BoolP("verbose", "v", false, "Show raw frame contents in hex.")

	var _receiveOutput = pflag.StringP("receive-output", "o", "", "Store each received frame as a file in this directory.")

	var _timestampFormat = pflag.StringP("timestamp-format", "T", "", "Precede received frames with 'strftime' format time stamp.")

	var send = pflag.String("send", "", "Transmit one UI frame in monitor format, e.g. 'N0CALL>ELMER:test', then exit.")

	var help = pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Monitor and exercise a KISS TNC.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Prints every frame the TNC hears.  Lines typed on stdin are sent\n")
		fmt.Fprintf(os.Stderr, "as UI frames in TNC2 monitor format, e.g. N0CALL-7>ELMER:hello\n")
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	verbose = *_verbose
	receiveOutput = *_receiveOutput
	timestampFormat = *_timestampFormat

	if len(receiveOutput) > 0 {
		var s, err = os.Stat(receiveOutput)
		if err != nil {
			fmt.Printf("Error with receive queue location %s: %s\n", receiveOutput, err)
			os.Exit(1)
		}

		if !s.IsDir() {
			fmt.Printf("Receive queue location, %s, is not a directory.\n", receiveOutput)
			os.Exit(1)
		}
	}

	var logger = log.NewWithOptions(os.Stderr, log.Options{Level: log.WarnLevel})

	var tnc = elmer.NewTNCClient(elmer.TNCOptions{
		Host:    *hostname,
		Port:    *port,
		Device:  *device,
		Baud:    *serialSpeed,
		Timeout: 10 * time.Second,
		Logger:  logger,
	})

	if err := tnc.Connect(); err != nil {
		fmt.Printf("%s\n", err)
		os.Exit(1)
	}

	/*
	 * One-shot injection mode: send the frame and leave.
	 */
	if len(*send) > 0 {
		var frame, err = frameFromText(*send)
		if err != nil {
			fmt.Printf("ERROR! Could not convert to AX.25 frame: %s\n", err)
			os.Exit(1)
		}

		if err := tnc.Transmit(0, [][]byte{frame.Encode()}, 0); err != nil {
			fmt.Printf("ERROR! Transmit failed: %s\n", err)
			os.Exit(1)
		}

		tnc.Close()
		return
	}

	go func() {
		var err = tnc.ReadLoop(printFrame)
		if err != nil {
			fmt.Printf("Read error from KISS TNC (%s).  Terminating.\n", err)
		}

		os.Exit(1)
	}()

	/*
	 * Process keyboard input until EOF.
	 */
	var scanner = bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		processInput(tnc, scanner.Text())
	}

	tnc.Close()
}

/*
 * One heard frame.  Print in monitor format, with optional timestamp,
 * and optionally save to the receive queue directory.
 */
func printFrame(port int, payload []byte) {
	var frame, err = elmer.DecodeAX25Frame(payload)
	if err != nil {
		fmt.Printf("ERROR - Invalid AX.25 frame from TNC: %s\n", err)
		return
	}

	var prefix string // Channel and optional timestamp, like [0] or [0 12:34:56].

	if len(timestampFormat) > 0 {
		var ts, _ = strftime.Format(timestampFormat, time.Now())
		prefix = fmt.Sprintf("[%d %s]", port, ts)
	} else {
		prefix = fmt.Sprintf("[%d]", port)
	}

	var line string

	if frame.IsInfoFrame() {
		line = fmt.Sprintf("%s %s>%s:%s", prefix, frame.Source, frame.Destination, safeText(frame.Info))
	} else {
		line = fmt.Sprintf("%s %s", prefix, frame)
	}

	fmt.Printf("%s\n", line)

	if verbose {
		fmt.Printf("%s", hex.Dump(payload))
	}

	if len(receiveOutput) > 0 {
		var fullpath = filepath.Join(receiveOutput, timestampFilename())

		if err := os.WriteFile(fullpath, []byte(line+"\n"), 0644); err != nil {
			fmt.Printf("Unable to open for write: %s\n", fullpath)
		}
	}
}

func processInput(tnc *elmer.TNCClient, stuff string) {
	stuff = strings.TrimSpace(stuff)
	if len(stuff) == 0 {
		return
	}

	/*
	 * Optional prefix, like "[9]", to specify a channel.
	 */
	var channel int

	if stuff[0] == '[' {
		var before, after, found = strings.Cut(stuff, "]")
		if !found {
			fmt.Printf("ERROR! Channel number and ] was expected after [ at beginning of line.\n")
			return
		}

		var err error

		channel, err = strconv.Atoi(strings.TrimPrefix(before, "["))
		if err != nil || channel < 0 || channel > 15 {
			fmt.Printf("ERROR! KISS channel number must be in range of 0 thru 15.\n")
			return
		}

		stuff = strings.TrimSpace(after)
		if len(stuff) == 0 {
			return
		}
	}

	/*
	 * Upper case letter or digit starts an AX.25 frame in monitor
	 * format.  Lower case is a timing command.
	 */
	switch {
	case unicode.IsUpper(rune(stuff[0])) || unicode.IsNumber(rune(stuff[0])):
		var frame, err = frameFromText(stuff)
		if err != nil {
			fmt.Printf("ERROR! Could not convert to AX.25 frame: %s\n", err)
			return
		}

		if err := tnc.Transmit(channel, [][]byte{frame.Encode()}, 0); err != nil {
			fmt.Printf("ERROR! Transmit failed: %s\n", err)
		}

	case unicode.IsLower(rune(stuff[0])):
		timingCommand(tnc, channel, stuff)

	default:
		fmt.Printf("Input must be a frame like SRC>DEST:text or a d/p/s/t/f command.\n")
	}
}

/*
 * Parse "SOURCE>DEST[,digi...]:information" into a UI frame.
 */
func frameFromText(stuff string) (*elmer.AX25Frame, error) {
	var header, info, found = strings.Cut(stuff, ":")
	if !found {
		return nil, fmt.Errorf("missing : separator in %q", stuff)
	}

	var srcText, destText, hasGT = strings.Cut(header, ">")
	if !hasGT {
		return nil, fmt.Errorf("missing > separator in %q", header)
	}

	var src, srcErr = elmer.ParseAX25Address(srcText)
	if srcErr != nil {
		return nil, srcErr
	}

	/* Digipeater aliases after the destination are accepted but not used. */
	var destParts = strings.Split(destText, ",")

	var dest, destErr = elmer.ParseAX25Address(destParts[0])
	if destErr != nil {
		return nil, destErr
	}

	var frame = elmer.NewUIFrame(dest, src, []byte(info))

	for _, digi := range destParts[1:] {
		var addr, digiErr = elmer.ParseAX25Address(digi)
		if digiErr != nil {
			return nil, digiErr
		}

		frame.Digipeaters = append(frame.Digipeaters, addr)
	}

	return frame, nil
}

/* Defaults match the usual Direwolf channel settings. */
var timingDefaults = map[byte]struct {
	cmd      int
	deFault  int
	longName string
}{
	'd': {elmer.KISS_CMD_TXDELAY, 30, "txDelay"},
	'p': {elmer.KISS_CMD_PERSISTENCE, 63, "persistence"},
	's': {elmer.KISS_CMD_SLOTTIME, 10, "slot time"},
	't': {elmer.KISS_CMD_TXTAIL, 10, "txTail"},
	'f': {elmer.KISS_CMD_FULLDUPLEX, 0, "full duplex"},
}

func timingCommand(tnc *elmer.TNCClient, channel int, stuff string) {
	var spec, known = timingDefaults[stuff[0]]
	if !known {
		fmt.Printf("Invalid command.  Must be one of d p s t f.\n")
		return
	}

	var value = parseNumber(stuff[1:], spec.deFault)

	if err := tnc.SetTiming(channel, spec.cmd, byte(value)); err != nil {
		fmt.Printf("ERROR! Could not set %s: %s\n", spec.longName, err)
	}
}

func parseNumber(str string, deFault int) int {
	str = strings.TrimSpace(str)
	if len(str) == 0 {
		fmt.Printf("Missing number for KISS command.  Using default %d.\n", deFault)
		return deFault
	}

	var n, err = strconv.Atoi(str)
	if err != nil || n < 0 || n > 255 { // must fit in a byte.
		fmt.Printf("Number for KISS command is out of range 0-255.  Using default %d.\n", deFault)
		return deFault
	}

	return n
}

/*
 * Replace anything that could mess up the terminal.
 */
func safeText(info []byte) string {
	var sb strings.Builder

	for _, b := range info {
		switch {
		case b == '\r' || b == '\n':
			sb.WriteByte(' ')
		case b < 0x20 || b == 0x7F:
			fmt.Fprintf(&sb, "<0x%02x>", b)
		default:
			sb.WriteByte(b)
		}
	}

	return sb.String()
}

/*
 * Unique file name based on the current time, for the receive queue.
 * Two frames can arrive within a second so add milliseconds.
 */
func timestampFilename() string {
	var t = time.Now()

	var s, _ = strftime.Format("%Y%m%d-%H%M%S", t)

	return fmt.Sprintf("%s-%03d", s, t.UnixMilli()%1000)
}
