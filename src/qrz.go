package elmer

/*------------------------------------------------------------------
 *
 * Name:	qrz
 *
 * Purpose:	Callsign lookups against the QRZ.com XML API.
 *
 * Description:	QRZ hands out a session key good for 24 hours; the
 *		client caches it and re-authenticates when it lapses or
 *		when a lookup reports a session error.  Either a
 *		username/password pair or an XML Logbook API key works;
 *		with neither, lookups are disabled and identity falls
 *		back to format validation only.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	QRZ_BASE_URL    = "https://xmldata.qrz.com/xml/current/"
	QRZ_SESSION_TTL = 24 * time.Hour
)

// QRZRecord is one operator's callbook entry.
type QRZRecord struct {
	Call      string
	FirstName string
	LastName  string
	Addr1     string
	City      string
	State     string
	Zip       string
	Country   string
	Lat       string
	Lon       string
	Grid      string
	Email     string
	Class     string
	Expires   string
	Aliases   string
}

// FullName joins the first and last name, tolerating records that
// carry only one of them.
func (r *QRZRecord) FullName() string {
	switch {
	case r.FirstName != "" && r.LastName != "":
		return r.FirstName + " " + r.LastName
	case r.FirstName != "":
		return r.FirstName
	default:
		return r.LastName
	}
}

// Operator converts a callbook record into the session's operator
// identity.
func (r *QRZRecord) Operator() OperatorInfo {
	return OperatorInfo{
		Callsign:     r.Call,
		FullName:     r.FullName(),
		FirstName:    r.FirstName,
		City:         r.City,
		State:        r.State,
		Country:      r.Country,
		Grid:         r.Grid,
		LicenseClass: r.Class,
	}
}

// Callbook is the lookup interface the auth path and the qrz tool
// consume; tests substitute a canned one.
type Callbook interface {
	Enabled() bool
	Lookup(ctx context.Context, callsign string) (*QRZRecord, error)
}

/*-------------------------------------------------------------------
 *
 * Name:	QRZClient
 *
 *---------------------------------------------------------------*/

// Wire shapes.  QRZ replies are a QRZDatabase element holding a
// Session (key or error) and, on successful lookups, a Callsign.

type qrzSessionXML struct {
	Key   string `xml:"Key"`
	Error string `xml:"Error"`
}

type qrzCallsignXML struct {
	Call    string `xml:"call"`
	FName   string `xml:"fname"`
	Name    string `xml:"name"`
	Addr1   string `xml:"addr1"`
	Addr2   string `xml:"addr2"`
	State   string `xml:"state"`
	Zip     string `xml:"zip"`
	Country string `xml:"country"`
	Lat     string `xml:"lat"`
	Lon     string `xml:"lon"`
	Grid    string `xml:"grid"`
	Email   string `xml:"email"`
	Class   string `xml:"class"`
	Expires string `xml:"expires"`
	Aliases string `xml:"aliases"`
}

type qrzResponseXML struct {
	XMLName  xml.Name       `xml:"QRZDatabase"`
	Session  qrzSessionXML  `xml:"Session"`
	Callsign qrzCallsignXML `xml:"Callsign"`
}

type QRZClient struct {
	username string
	password string
	apiKey   string
	baseURL  string
	http     *retryablehttp.Client
	log      *log.Logger

	mu         sync.Mutex
	sessionKey string
	sessionExp time.Time
}

func NewQRZClient(username, password, apiKey string, logger *log.Logger) *QRZClient {
	if logger == nil {
		logger = log.Default()
	}

	var client = retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	c := &QRZClient{
		username: username,
		password: password,
		apiKey:   apiKey,
		baseURL:  QRZ_BASE_URL,
		http:     client,
		log:      logger.WithPrefix("qrz"),
	}

	switch {
	case apiKey != "":
		c.log.Info("callsign lookup enabled (API key)")
	case username != "" && password != "":
		c.log.Info("callsign lookup enabled (username/password)")
	default:
		c.log.Warn("callsign lookup disabled, no credentials")
	}

	return c
}

func (c *QRZClient) Enabled() bool {
	return c.apiKey != "" || (c.username != "" && c.password != "")
}

// fetch performs one GET against the XML endpoint.
func (c *QRZClient) fetch(ctx context.Context, params url.Values) (*qrzResponseXML, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qrz: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out qrzResponseXML
	if err := xml.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("qrz: parse response: %w", err)
	}

	return &out, nil
}

// session returns a valid session key, authenticating when the cached
// one is missing or older than 24 hours.
func (c *QRZClient) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionKey != "" && time.Now().Before(c.sessionExp) {
		return c.sessionKey, nil
	}

	params := url.Values{}
	params.Set("username", c.username)
	params.Set("password", c.password)
	if c.apiKey != "" {
		params.Set("api", c.apiKey)
	}

	resp, err := c.fetch(ctx, params)
	if err != nil {
		return "", err
	}

	if resp.Session.Key == "" {
		if resp.Session.Error != "" {
			return "", fmt.Errorf("qrz: authentication failed: %s", resp.Session.Error)
		}
		return "", fmt.Errorf("qrz: no session key in response")
	}

	c.sessionKey = resp.Session.Key
	c.sessionExp = time.Now().Add(QRZ_SESSION_TTL)
	c.log.Info("session key obtained")

	return c.sessionKey, nil
}

// invalidate drops the cached key so the next lookup re-authenticates.
func (c *QRZClient) invalidate() {
	c.mu.Lock()
	c.sessionKey = ""
	c.mu.Unlock()
}

// Lookup fetches the callbook record for a callsign.  The SSID should
// already be stripped; QRZ only knows base callsigns.
func (c *QRZClient) Lookup(ctx context.Context, callsign string) (*QRZRecord, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("qrz: lookup disabled")
	}

	key, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("s", key)
	params.Set("callsign", strings.ToUpper(callsign))

	resp, err := c.fetch(ctx, params)
	if err != nil {
		return nil, err
	}

	if resp.Callsign.Call == "" {
		if resp.Session.Error != "" {
			// Session errors mean the key went stale server-side.
			if strings.Contains(resp.Session.Error, "Session") || strings.Contains(resp.Session.Error, "session") {
				c.invalidate()
			}
			return nil, fmt.Errorf("qrz: lookup %s: %s", callsign, resp.Session.Error)
		}
		return nil, fmt.Errorf("qrz: callsign %s not found", callsign)
	}

	rec := &QRZRecord{
		Call:      resp.Callsign.Call,
		FirstName: resp.Callsign.FName,
		LastName:  resp.Callsign.Name,
		Addr1:     resp.Callsign.Addr1,
		City:      resp.Callsign.Addr2,
		State:     resp.Callsign.State,
		Zip:       resp.Callsign.Zip,
		Country:   resp.Callsign.Country,
		Lat:       resp.Callsign.Lat,
		Lon:       resp.Callsign.Lon,
		Grid:      resp.Callsign.Grid,
		Email:     resp.Callsign.Email,
		Class:     resp.Callsign.Class,
		Expires:   resp.Callsign.Expires,
		Aliases:   resp.Callsign.Aliases,
	}

	c.log.Info("lookup ok", "callsign", rec.Call, "name", rec.FullName())

	return rec, nil
}
