package elmer

/*------------------------------------------------------------------
 *
 * Name:	dns_sd
 *
 * Purpose:	Announce the telnet listener with DNS-SD so clients on
 *		the local network can find the BBS without typing in
 *		addresses and ports.
 *
 * Description:	Uses the pure-Go github.com/brutella/dnssd package for
 *		cross-platform mDNS/DNS-SD announcement without any
 *		system daemon or C library dependencies.  The
 *		announcement lives until ctx is cancelled.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"os"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

const DNS_SD_SERVICE = "_telnet._tcp"

// dnsSdServiceName builds the name to publish: the station callsign
// when known, otherwise the host name.
func dnsSdServiceName(callsign string) string {
	if callsign != "" {
		return "Elmer " + callsign
	}

	var hostname, err = os.Hostname()
	if err != nil {
		return "Elmer"
	}

	// On some systems an FQDN is returned; remove the domain part.
	hostname, _, _ = strings.Cut(hostname, ".")

	return "Elmer on " + hostname
}

// AnnounceTelnet publishes the telnet service on the local network
// until ctx is cancelled.  Failures are logged and otherwise ignored;
// discovery is a convenience, not something the station depends on.
func AnnounceTelnet(ctx context.Context, callsign string, port int, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	var lg = logger.WithPrefix("dns-sd")

	var cfg = dnssd.Config{ //nolint:exhaustruct
		Name: dnsSdServiceName(callsign),
		Type: DNS_SD_SERVICE,
		Port: port,
	}

	var sv, svErr = dnssd.NewService(cfg)
	if svErr != nil {
		lg.Warn("failed to create service", "err", svErr)
		return
	}

	var rp, rpErr = dnssd.NewResponder()
	if rpErr != nil {
		lg.Warn("failed to create responder", "err", rpErr)
		return
	}

	if _, err := rp.Add(sv); err != nil {
		lg.Warn("failed to add service", "err", err)
		return
	}

	go func() {
		var err = rp.Respond(ctx)
		if err != nil && ctx.Err() == nil {
			lg.Warn("responder stopped", "err", err)
		}
	}()

	lg.Info("announcing", "name", cfg.Name, "type", DNS_SD_SERVICE, "port", port)
}
