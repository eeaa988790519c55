package elmer

/*------------------------------------------------------------------
 *
 * Name:	dispatcher
 *
 * Purpose:	Turn transport events into BBS behavior: greet, log in,
 *		run commands, and hand everything else to the LLM.
 *
 * Description:	The AX.25 link manager and the telnet server both feed
 *		this one dispatcher.  Each connection gets a worker
 *		goroutine with a small task queue; connect, line, and
 *		file-transfer events for that connection are queued in
 *		arrival order and run one at a time.  That keeps the
 *		KISS frame loop and the telnet readers free to keep
 *		servicing the radio while a model call is in flight,
 *		and it means a connection never has two turns running
 *		at once.
 *
 *		Transports are hidden behind ClientConn.  The AX.25
 *		side chunks replies into paced UI frames with CR line
 *		endings; the telnet side writes text as-is.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// Replies to AX.25 stations go out as UI frames of at most this
	// many bytes, spaced for half-duplex turnaround.
	AX25_REPLY_CHUNK   = 200
	AX25_REPLY_SPACING = 100 * time.Millisecond

	// Pending tasks per connection.  A station that sends faster
	// than its turns complete starts losing lines, with a warning.
	DISPATCH_QUEUE_LEN = 32

	// Bytes of a file shown inline to telnet users, who have no
	// binary path.
	FILE_PREVIEW_BYTES = 500

	// Pause between the farewell and the disconnect so the last
	// frame clears the transport before the link drops.
	GOODBYE_LINGER = 250 * time.Millisecond

	PROMPT = "\n> "
)

/*-------------------------------------------------------------------
 *
 * Name:	ClientConn
 *
 * Purpose:	The dispatcher's transport-neutral view of one station.
 *
 *---------------------------------------------------------------*/

type ClientConn interface {
	// Key is the identity lines are filed under right now: a
	// callsign for AX.25, a callsign or "host:port" for telnet.
	Key() string

	// Callsign is the identified operator, empty for a telnet
	// connection that has not logged in.
	Callsign() string

	// Kind names the transport, "ax25" or "telnet".
	Kind() string

	// ConnID is the persistence row for this connection, zero if
	// the insert failed.
	ConnID() int64

	// Send writes text to the station with transport-appropriate
	// framing.
	Send(text string)

	// Disconnect tears the link down.
	Disconnect()

	// SupportsYapp reports whether binary file transfer works on
	// this transport.
	SupportsYapp() bool

	// StartYappUpload arms the link to receive a transfer.
	StartYappUpload() error

	// StartYappDownload begins sending a file to the station.
	StartYappDownload(filename string, data []byte) error

	// Identify applies a typed or negotiated callsign.  A no-op
	// for AX.25, which is identified by its source address.
	Identify(callsign string)
}

type axClient struct {
	conn  *AxConnection
	links *LinkManager
}

func (c *axClient) Key() string      { return c.conn.RemoteKey() }
func (c *axClient) Callsign() string { return c.conn.RemoteKey() }
func (c *axClient) Kind() string     { return "ax25" }
func (c *axClient) ConnID() int64    { return c.conn.ConnectionID }

func (c *axClient) Send(text string) {
	// Packet terminals expect bare CR line endings.
	var data = []byte(strings.ReplaceAll(text, "\n", "\r"))

	var chunks [][]byte
	for len(data) > AX25_REPLY_CHUNK {
		chunks = append(chunks, data[:AX25_REPLY_CHUNK])
		data = data[AX25_REPLY_CHUNK:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}

	c.links.SendFrames(c.conn, chunks, AX25_REPLY_SPACING)
}

func (c *axClient) Disconnect()        { c.links.Disconnect(c.conn) }
func (c *axClient) SupportsYapp() bool { return true }

func (c *axClient) StartYappUpload() error {
	return c.links.StartYappUpload(c.conn)
}

func (c *axClient) StartYappDownload(filename string, data []byte) error {
	return c.links.StartYappDownload(c.conn, filename, data)
}

func (c *axClient) Identify(string) {}

type telnetClient struct {
	conn   *TelnetConnection
	server *TelnetServer
}

func (c *telnetClient) Key() string      { return c.conn.RemoteKey() }
func (c *telnetClient) Callsign() string { return c.conn.Callsign }
func (c *telnetClient) Kind() string     { return "telnet" }
func (c *telnetClient) ConnID() int64    { return c.conn.ConnectionID }

func (c *telnetClient) Send(text string) {
	c.server.SendData(c.conn, []byte(text))
}

func (c *telnetClient) Disconnect()        { c.server.Disconnect(c.conn) }
func (c *telnetClient) SupportsYapp() bool { return false }

func (c *telnetClient) StartYappUpload() error {
	return fmt.Errorf("file transfer requires an AX.25 connection")
}

func (c *telnetClient) StartYappDownload(string, []byte) error {
	return fmt.Errorf("file transfer requires an AX.25 connection")
}

func (c *telnetClient) Identify(callsign string) {
	c.server.Identify(c.conn, callsign)
}

/*-------------------------------------------------------------------
 *
 * Name:	connWorker
 *
 * Purpose:	Serialize all work for one connection.
 *
 *---------------------------------------------------------------*/

type connWorker struct {
	tasks  chan func()
	closed bool
}

func (w *connWorker) run() {
	for task := range w.tasks {
		task()
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	Dispatcher
 *
 *---------------------------------------------------------------*/

type Dispatcher struct {
	cfg      *Config
	sessions *SessionStore
	limiter  *RateLimiter
	store    *Store
	engine   *TurnEngine
	files    *FileManager
	callbook Callbook
	feed     *ActivityFeed
	activity *ActivityLog
	log      *log.Logger
	ctx      context.Context

	mu      sync.Mutex
	workers map[any]*connWorker
	greeted map[any]bool
}

// DispatcherDeps collects everything the dispatcher calls into.
// Callbook may be nil when no directory credentials are configured.
type DispatcherDeps struct {
	Config   *Config
	Sessions *SessionStore
	Limiter  *RateLimiter
	Store    *Store
	Engine   *TurnEngine
	Files    *FileManager
	Callbook Callbook
	Feed     *ActivityFeed
	Activity *ActivityLog
}

func NewDispatcher(ctx context.Context, deps DispatcherDeps, logger *log.Logger) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Dispatcher{
		cfg:      deps.Config,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		store:    deps.Store,
		engine:   deps.Engine,
		files:    deps.Files,
		callbook: deps.Callbook,
		feed:     deps.Feed,
		activity: deps.Activity,
		log:      logger.WithPrefix("dispatch"),
		ctx:      ctx,
		workers:  make(map[any]*connWorker),
		greeted:  make(map[any]bool),
	}
}

// enqueue hands task to owner's worker, creating the worker on first
// use.  Tasks are dropped, with a warning, when the queue is full.
func (d *Dispatcher) enqueue(owner any, key string, task func()) {
	d.mu.Lock()

	var w = d.workers[owner]
	if w == nil {
		w = &connWorker{tasks: make(chan func(), DISPATCH_QUEUE_LEN)}
		d.workers[owner] = w
		go w.run()
	}
	if w.closed {
		d.mu.Unlock()
		return
	}

	select {
	case w.tasks <- task:
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		d.log.Warn("task queue full, dropping input", "from", key)
	}
}

// detach stops owner's worker after the tasks already queued finish.
func (d *Dispatcher) detach(owner any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.greeted, owner)

	var w, ok = d.workers[owner]
	if !ok {
		return
	}
	delete(d.workers, owner)

	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
}

// markGreeted records that owner has been sent the login banner and
// reports whether this call was the first.
func (d *Dispatcher) markGreeted(owner any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.greeted[owner] {
		return false
	}
	d.greeted[owner] = true

	return true
}

/*-------------------------------------------------------------------
 *
 * Transport bindings.  BindAX25 and BindTelnet install the event
 * callbacks; call them before starting the transports.
 *
 *---------------------------------------------------------------*/

func (d *Dispatcher) BindAX25(links *LinkManager) {
	links.OnConnect = func(c *AxConnection) {
		var client = &axClient{conn: c, links: links}

		var id, err = d.store.LogConnection(c.RemoteKey())
		if err != nil {
			d.log.Warn("connection log failed", "from", c.RemoteKey(), "err", err)
		} else {
			c.ConnectionID = id
		}
		d.activity.Connection(c.RemoteKey(), c.ConnectionID)

		d.enqueue(c, c.RemoteKey(), func() {
			d.authenticate(c, client, c.RemoteKey())
		})
	}

	links.OnDisconnect = func(c *AxConnection) {
		d.connClosed(c, c.RemoteKey(), c.ConnectionID,
			c.PacketsSent, c.PacketsReceived, c.ConnectedAt)
	}

	links.OnData = func(c *AxConnection, data []byte) {
		var client = &axClient{conn: c, links: links}
		var line = string(data)

		d.enqueue(c, c.RemoteKey(), func() {
			d.handleLine(c, client, line)
		})
	}

	links.OnYappUpload = func(c *AxConnection, filename string, data []byte) {
		var client = &axClient{conn: c, links: links}

		d.enqueue(c, c.RemoteKey(), func() {
			d.yappUploadDone(client, filename, data)
		})
	}

	links.OnYappDownload = func(c *AxConnection, filename string) {
		var client = &axClient{conn: c, links: links}

		d.enqueue(c, c.RemoteKey(), func() {
			client.Send(fmt.Sprintf("Transfer complete: %s\n", filename) + PROMPT)
		})
	}

	links.OnYappError = func(c *AxConnection, reason string) {
		var client = &axClient{conn: c, links: links}

		d.enqueue(c, c.RemoteKey(), func() {
			client.Send("File transfer failed: " + reason + "\n" + PROMPT)
		})
	}
}

func (d *Dispatcher) BindTelnet(server *TelnetServer) {
	server.SessionRekey = d.sessions.Rekey

	server.OnConnect = func(c *TelnetConnection) {
		var client = &telnetClient{conn: c, server: server}

		var id, err = d.store.LogConnection(c.RemoteKey())
		if err != nil {
			d.log.Warn("connection log failed", "from", c.RemoteKey(), "err", err)
		} else {
			c.ConnectionID = id
		}
		d.activity.Connection(c.RemoteKey(), c.ConnectionID)

		var welcome = d.cfg.Station.WelcomeMessage
		if welcome != "" {
			client.Send(welcome + "\n\n")
		}
		client.Send("Enter your callsign: ")
	}

	server.OnIdentify = func(c *TelnetConnection) {
		var client = &telnetClient{conn: c, server: server}
		var callsign = c.Callsign

		d.enqueue(c, c.RemoteKey(), func() {
			d.authenticate(c, client, callsign)
		})
	}

	server.OnDisconnect = func(c *TelnetConnection) {
		d.connClosed(c, c.RemoteKey(), c.ConnectionID,
			c.PacketsSent, c.PacketsReceived, c.ConnectedAt)
	}

	server.OnData = func(c *TelnetConnection, data []byte) {
		var client = &telnetClient{conn: c, server: server}
		var line = string(data)

		d.enqueue(c, c.RemoteKey(), func() {
			d.handleLine(c, client, line)
		})
	}
}

// connClosed records the disconnect and stops the connection's worker.
// Runs on the transport goroutine; everything here is quick.
func (d *Dispatcher) connClosed(owner any, key string, connID int64, sent, rcvd int, since time.Time) {
	if connID > 0 {
		if err := d.store.LogDisconnection(connID, sent, rcvd); err != nil {
			d.log.Warn("disconnection log failed", "from", key, "err", err)
		}
	}

	var duration time.Duration
	if !since.IsZero() {
		duration = time.Since(since)
	}
	d.activity.Disconnection(key, connID, duration)

	if ValidCallsign(NormalizeCallsign(key)) {
		d.feed.Add(NormalizeCallsign(key), "disconnect", "")
	}

	// With a zero timeout, sessions end with the connection.
	if d.cfg.Sessions.Timeout == 0 {
		d.sessions.Remove(key)
	}

	d.detach(owner)
}

/*-------------------------------------------------------------------
 *
 * Name:	authenticate
 *
 * Purpose:	Establish who the operator is and greet them.
 *
 * Description:	Looks the callsign up in the directory when one is
 *		configured, falling back to a record that is just the
 *		callsign.  The banner goes out once per connection;
 *		the session may already be authenticated from an
 *		earlier connection and that is fine.
 *
 *---------------------------------------------------------------*/

func (d *Dispatcher) authenticate(owner any, conn ClientConn, callsign string) {
	defer d.recoverSend(conn)

	var first = d.markGreeted(owner)
	var base = NormalizeCallsign(callsign)

	var view = d.sessions.Snapshot(conn.Key())

	var op = OperatorInfo{Callsign: base, FullName: base}
	if !view.Authenticated || first {
		if d.callbook != nil && d.callbook.Enabled() {
			var rec, err = d.callbook.Lookup(d.ctx, base)
			if err != nil {
				d.log.Debug("directory lookup failed", "callsign", base, "err", err)
			} else {
				op = rec.Operator()
			}
		}
	}

	if !view.Authenticated {
		d.sessions.Authenticate(conn.Key(), &op)
	}

	if !first {
		return
	}

	var b strings.Builder
	b.WriteString(Banner(d.cfg.Station.Callsign, d.cfg.Station.Grid))
	b.WriteString("\n")
	b.WriteString(d.feed.RecentSummary(3, time.Hour))
	b.WriteString("\n")

	if unread, err := d.store.UnreadCount(base); err == nil && unread > 0 {
		b.WriteString(fmt.Sprintf("You have %d unread message(s). Ask me to read your mail.\n", unread))
	}

	b.WriteString(fmt.Sprintf("\nWelcome, %s! Ask me anything, or type 'help' for commands.\n", op.FullName))
	b.WriteString("> ")

	conn.Send(b.String())

	d.feed.Add(base, "connect", "")
	d.log.Info("operator on channel", "callsign", base, "via", conn.Kind())
}

// recoverSend is the recovery boundary for per-connection work.  A
// panic in a handler or a tool must not take down the whole station.
func (d *Dispatcher) recoverSend(conn ClientConn) {
	if r := recover(); r != nil {
		d.log.Error("handler panicked", "from", conn.Key(), "panic", r)
		d.activity.Error("DataHandling", fmt.Sprint(r), conn.Key())
		conn.Send("Internal error. Please try again.\n" + PROMPT)
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	handleLine
 *
 * Purpose:	Process one line from a station: command, file command,
 *		or a query for the model.
 *
 *---------------------------------------------------------------*/

func (d *Dispatcher) handleLine(owner any, conn ClientConn, raw string) {
	defer d.recoverSend(conn)

	var line = strings.TrimSpace(strings.ToValidUTF8(raw, ""))
	if line == "" {
		return
	}

	// A telnet connection that has not logged in gets its lines
	// treated as callsign attempts.
	var view = d.sessions.Snapshot(conn.Key())
	if !view.Authenticated {
		if conn.Callsign() == "" {
			var cand = NormalizeCallsign(line)
			if !ValidCallsign(cand) {
				conn.Send("Invalid callsign. Enter your callsign: ")
				return
			}
			// Rekeys the session table; the login banner follows
			// from the identify callback.
			conn.Identify(cand)
			return
		}
		d.authenticate(owner, conn, conn.Callsign())
	}

	switch strings.ToLower(line) {
	case "help", "?":
		d.sendHelp(conn)
		return
	case "quit", "bye", "exit", "73", "/exit", "close", "logout", "disconnect":
		conn.Send("73! Goodbye.\n")
		time.Sleep(GOODBYE_LINGER)
		conn.Disconnect()
		return
	case "status":
		d.sendStatus(conn)
		return
	case "clear", "reset":
		d.sessions.Clear(conn.Key())
		conn.Send("Conversation history cleared.\n" + PROMPT)
		return
	}

	if strings.HasPrefix(line, "/") {
		d.handleFileCommand(conn, line)
		return
	}

	d.runTurn(conn, line)
}

// runTurn sends one user query through the model and replies.
func (d *Dispatcher) runTurn(conn ClientConn, line string) {
	var key = conn.Key()

	var allowed, reason = d.limiter.Check(key)
	if !allowed {
		d.activity.RateLimited(key, reason)
		conn.Send("Rate limit exceeded: " + reason +
			"\nPlease try again later. Type 'status' for details." + PROMPT)
		return
	}

	d.activity.Query(key, line, conn.ConnID())

	// History before the append: the new line only joins the
	// session once a reply comes back.
	var history = d.sessions.History(key)

	// Typing indicator; a turn can take a while at 1200 baud.
	conn.Send("...\n")

	var tc = ToolContext{
		Callsign:      conn.Callsign(),
		ConnectionKey: key,
	}

	var started = time.Now()
	var reply, usage, err = d.engine.Run(d.ctx, history, line, tc)
	var elapsed = int(time.Since(started).Milliseconds())

	var connIDPtr *int64
	if id := conn.ConnID(); id > 0 {
		connIDPtr = &id
	}

	if err != nil {
		d.activity.Error("ClaudeAPI", err.Error(), key)
		d.store.LogQuery(key, line, QueryLogEntry{
			ConnectionID: connIDPtr,
			Error:        err.Error(),
		})
		conn.Send("Error: " + err.Error() + "\nPlease try again.\n" + PROMPT)
		return
	}

	d.sessions.AddUserMessage(key, line)
	d.sessions.AddAssistantMessage(key, reply)

	d.activity.Response(key, len(reply), usage.Total(), elapsed, conn.ConnID())
	d.store.LogQuery(key, line, QueryLogEntry{
		ConnectionID:   connIDPtr,
		Response:       reply,
		TokensUsed:     usage.Total(),
		ResponseTimeMs: elapsed,
	})
	d.feed.Add(NormalizeCallsign(key), "query", "")

	if max := d.cfg.RateLimits.MaxResponseChars; max > 0 && len(reply) > max {
		reply = reply[:max] + fmt.Sprintf("\n\n[Response truncated at %d chars]", max)
	}

	conn.Send(reply + "\n" + PROMPT)
}

/*-------------------------------------------------------------------
 *
 * Commands.
 *
 *---------------------------------------------------------------*/

var helpText = `
Elmer Help:
- Simply type your questions to chat with Claude AI
- 'help' or '?' - Show this help
- 'status' - Show rate limit status
- 'clear' - Clear conversation history
- 'quit', 'bye', or '73' - Disconnect

File commands:
- '/files' - List files you can access
- '/download <id>' - Download a file
- '/fileinfo <id>' - Show file details
- '/share <id> <callsign>' - Share a file you own
- '/publicfile <id>' - Make a file you own public
- '/deletefile <id>' - Delete a file you own
- '/upload' - Send a file with YAPP (AX.25 only)

Your conversation context is preserved during the session.
`

func (d *Dispatcher) sendHelp(conn ClientConn) {
	conn.Send(helpText + PROMPT)
}

func (d *Dispatcher) sendStatus(conn ClientConn) {
	var text = d.limiter.Status(conn.Key()).Format()
	var view = d.sessions.Snapshot(conn.Key())

	text += fmt.Sprintf("\n\nSession: %d messages in history", view.Messages)

	conn.Send(text + "\n" + PROMPT)
}

/*-------------------------------------------------------------------
 *
 * File commands.  Telnet users get metadata and a short preview;
 * AX.25 users get real YAPP transfers.
 *
 *---------------------------------------------------------------*/

func (d *Dispatcher) handleFileCommand(conn ClientConn, line string) {
	var fields = strings.Fields(line)
	var callsign = conn.Callsign()

	switch strings.ToLower(fields[0]) {
	case "/files", "/list":
		var files, err = d.files.List(callsign, "")
		if err != nil {
			conn.Send("Error listing files: " + err.Error() + "\n" + PROMPT)
			return
		}
		conn.Send("\n" + FormatFileList(files, true) + "\n" + PROMPT)

	case "/download":
		var id, ok = d.fileIDArg(conn, fields, "/download <id>")
		if !ok {
			return
		}
		d.startDownload(conn, id)

	case "/fileinfo":
		var id, ok = d.fileIDArg(conn, fields, "/fileinfo <id>")
		if !ok {
			return
		}
		var rec, err = d.files.Info(id, callsign)
		if err != nil {
			conn.Send(err.Error() + "\n" + PROMPT)
			return
		}
		conn.Send("\n" + formatFileInfo(rec) + PROMPT)

	case "/share":
		if len(fields) < 3 {
			conn.Send("Usage: /share <id> <callsign>\n" + PROMPT)
			return
		}
		var id, ok = d.fileIDArg(conn, fields, "/share <id> <callsign>")
		if !ok {
			return
		}
		if err := d.files.Share(id, callsign, fields[2]); err != nil {
			conn.Send(err.Error() + "\n" + PROMPT)
			return
		}
		conn.Send(fmt.Sprintf("File %d shared with %s.\n",
			id, strings.ToUpper(fields[2])) + PROMPT)

	case "/publicfile":
		var id, ok = d.fileIDArg(conn, fields, "/publicfile <id>")
		if !ok {
			return
		}
		if err := d.files.MakePublic(id, callsign); err != nil {
			conn.Send(err.Error() + "\n" + PROMPT)
			return
		}
		conn.Send(fmt.Sprintf("File %d is now public.\n", id) + PROMPT)

	case "/deletefile":
		var id, ok = d.fileIDArg(conn, fields, "/deletefile <id>")
		if !ok {
			return
		}
		if err := d.files.Delete(id, callsign); err != nil {
			conn.Send(err.Error() + "\n" + PROMPT)
			return
		}
		conn.Send(fmt.Sprintf("File %d deleted.\n", id) + PROMPT)

	case "/upload":
		d.startUpload(conn)

	default:
		conn.Send("Unknown command: " + fields[0] +
			"\nType 'help' for available commands.\n" + PROMPT)
	}
}

// fileIDArg parses the numeric id argument, replying with usage text
// when it is missing or malformed.
func (d *Dispatcher) fileIDArg(conn ClientConn, fields []string, usage string) (int64, bool) {
	if len(fields) < 2 {
		conn.Send("Usage: " + usage + "\n" + PROMPT)
		return 0, false
	}

	var id, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil || id <= 0 {
		conn.Send("Usage: " + usage + "\n" + PROMPT)
		return 0, false
	}

	return id, true
}

func (d *Dispatcher) startDownload(conn ClientConn, fileID int64) {
	var rec, err = d.files.Download(fileID, conn.Callsign())
	if err != nil {
		conn.Send(err.Error() + "\n" + PROMPT)
		return
	}

	if !conn.SupportsYapp() {
		conn.Send(textDownload(rec) + PROMPT)
		return
	}

	conn.Send(fmt.Sprintf("Starting YAPP transfer: %s (%s). Go to receive mode now.\n",
		rec.Filename, FormatFileSize(rec.FileSize)))

	if err := conn.StartYappDownload(rec.Filename, rec.FileData); err != nil {
		conn.Send("Transfer failed to start: " + err.Error() + "\n" + PROMPT)
	}
}

// textDownload renders a file for transports with no binary path:
// metadata plus the first few hundred bytes with invalid UTF-8
// replaced.
func textDownload(rec *StoredFile) string {
	var b strings.Builder

	fmt.Fprintf(&b, "File #%d: %s\n", rec.ID, rec.Filename)
	fmt.Fprintf(&b, "Size: %s  Type: %s  Owner: %s\n",
		FormatFileSize(rec.FileSize), rec.MimeType, rec.OwnerCallsign)
	fmt.Fprintf(&b, "MD5: %s\n", rec.Checksum)

	var preview = rec.FileData
	if len(preview) > FILE_PREVIEW_BYTES {
		preview = preview[:FILE_PREVIEW_BYTES]
	}

	fmt.Fprintf(&b, "--- Preview (first %d bytes) ---\n", FILE_PREVIEW_BYTES)
	b.WriteString(strings.ToValidUTF8(string(preview), "�"))
	b.WriteString("\n--- End of preview ---\n")
	b.WriteString("Telnet cannot carry binary files. Connect over AX.25 and use /download for a YAPP transfer.\n")

	return b.String()
}

func formatFileInfo(rec *StoredFile) string {
	var b strings.Builder

	fmt.Fprintf(&b, "File #%d: %s\n", rec.ID, rec.Filename)
	fmt.Fprintf(&b, "Size: %s\n", FormatFileSize(rec.FileSize))
	fmt.Fprintf(&b, "Type: %s\n", rec.MimeType)
	fmt.Fprintf(&b, "Owner: %s\n", rec.OwnerCallsign)
	fmt.Fprintf(&b, "Access: %s\n", rec.AccessLevel)
	if rec.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", rec.Description)
	}
	fmt.Fprintf(&b, "Uploaded: %s\n", rec.UploadedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Downloads: %d\n", rec.DownloadCount)

	return b.String()
}

func (d *Dispatcher) startUpload(conn ClientConn) {
	if !conn.SupportsYapp() {
		conn.Send("File upload needs a YAPP-capable AX.25 link.\n" + PROMPT)
		return
	}

	// Quota check up front, before the station wastes air time.
	if err := d.files.CheckQuota(conn.Callsign(), 0); err != nil {
		conn.Send(err.Error() + "\n" + PROMPT)
		return
	}

	conn.Send("Ready for YAPP upload. Start your transfer now.\n")

	if err := conn.StartYappUpload(); err != nil {
		conn.Send("Upload setup failed: " + err.Error() + "\n" + PROMPT)
	}
}

// yappUploadDone stores a completed inbound transfer.
func (d *Dispatcher) yappUploadDone(conn ClientConn, filename string, data []byte) {
	defer d.recoverSend(conn)

	var id, err = d.files.Upload(filename, data, conn.Callsign(), FILE_ACCESS_PRIVATE, "")
	if err != nil {
		conn.Send("Upload failed: " + err.Error() + "\n" + PROMPT)
		return
	}

	conn.Send(fmt.Sprintf("Upload complete: %s (%s) saved as file #%d.\n",
		SanitizeFilename(filename), FormatFileSize(len(data)), id) + PROMPT)
}
