package elmer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*-------------------------------------------------------------------
 *
 * Fakes.  fakeConn records everything the dispatcher does to one
 * station; cannedCallbook and panickyClient stand in for QRZ and the
 * model client.
 *
 *---------------------------------------------------------------*/

type fakeDownload struct {
	filename string
	data     []byte
}

type fakeConn struct {
	key      string
	callsign string
	kind     string
	connID   int64
	yapp     bool

	uploadErr   error
	downloadErr error

	sent         []string
	disconnected bool
	identified   []string
	uploadsArmed int
	downloads    []fakeDownload
}

func (c *fakeConn) Key() string        { return c.key }
func (c *fakeConn) Callsign() string   { return c.callsign }
func (c *fakeConn) Kind() string       { return c.kind }
func (c *fakeConn) ConnID() int64      { return c.connID }
func (c *fakeConn) Send(text string)   { c.sent = append(c.sent, text) }
func (c *fakeConn) Disconnect()        { c.disconnected = true }
func (c *fakeConn) SupportsYapp() bool { return c.yapp }

func (c *fakeConn) StartYappUpload() error {
	if c.uploadErr != nil {
		return c.uploadErr
	}
	c.uploadsArmed++

	return nil
}

func (c *fakeConn) StartYappDownload(filename string, data []byte) error {
	if c.downloadErr != nil {
		return c.downloadErr
	}
	c.downloads = append(c.downloads, fakeDownload{
		filename: filename,
		data:     append([]byte(nil), data...),
	})

	return nil
}

func (c *fakeConn) Identify(callsign string) {
	c.identified = append(c.identified, callsign)
}

func fakeAxConn(callsign string) *fakeConn {
	return &fakeConn{key: callsign, callsign: callsign, kind: "ax25", yapp: true}
}

func fakeTelnetConn(key, callsign string) *fakeConn {
	return &fakeConn{key: key, callsign: callsign, kind: "telnet"}
}

type cannedCallbook struct {
	enabled bool
	rec     *QRZRecord
	err     error
	lookups []string
}

func (c *cannedCallbook) Enabled() bool { return c.enabled }

func (c *cannedCallbook) Lookup(_ context.Context, callsign string) (*QRZRecord, error) {
	c.lookups = append(c.lookups, callsign)

	if c.err != nil {
		return nil, c.err
	}

	return c.rec, nil
}

// panickyClient is a model client whose call blows up mid-turn.
type panickyClient struct{}

func (panickyClient) Messages(context.Context, *MessagesRequest) (*MessagesResponse, error) {
	panic("model exploded")
}

type dispatcherFixture struct {
	d      *Dispatcher
	cfg    *Config
	store  *Store
	files  *FileManager
	feed   *ActivityFeed
	client *scriptedClient
}

func testDispatcher(t *testing.T, script ...*MessagesResponse) *dispatcherFixture {
	t.Helper()

	var st = testStore(t)

	var cfg = DefaultConfig()
	cfg.Station.Callsign = "W1ELM-4"
	cfg.Station.Grid = "FN42"

	var client = &scriptedClient{responses: script}
	var files = NewFileManager(st, cfg.FileTransfer.MaxSize, testLogger())
	var feed = NewActivityFeed(10)

	var d = NewDispatcher(context.Background(), DispatcherDeps{
		Config:   cfg,
		Sessions: NewSessionStore(cfg.Sessions.MaxContextMessages, testLogger()),
		Limiter:  NewRateLimiter(st, cfg.RateLimits),
		Store:    st,
		Engine:   testTurnEngine(client),
		Files:    files,
		Feed:     feed,
		Activity: NewActivityLog("", st, testLogger()),
	}, testLogger())

	return &dispatcherFixture{d: d, cfg: cfg, store: st, files: files, feed: feed, client: client}
}

// login authenticates conn and discards the greeting so tests can
// assert on command output alone.
func (f *dispatcherFixture) login(conn *fakeConn) {
	f.d.authenticate(conn, conn, conn.callsign)
	conn.sent = nil
}

/*-------------------------------------------------------------------
 *
 * Login and greeting.
 *
 *---------------------------------------------------------------*/

func TestDispatcherGreetsOnce(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")

	f.d.authenticate(conn, conn, "N0CALL-7")

	require.Len(t, conn.sent, 1)

	var greeting = conn.sent[0]
	assert.Contains(t, greeting, "AI-Powered Amateur Radio BBS")
	assert.Contains(t, greeting, "W1ELM-4 • FN42")
	assert.Contains(t, greeting, "No recent activity")
	assert.Contains(t, greeting, "Welcome, N0CALL!")
	assert.True(t, strings.HasSuffix(greeting, "> "))

	assert.True(t, f.d.sessions.Snapshot("N0CALL-7").Authenticated)
	assert.Contains(t, f.feed.ActiveUsers(time.Minute), "N0CALL")

	// Same connection again: already greeted, stays quiet.
	f.d.authenticate(conn, conn, "N0CALL-7")
	assert.Len(t, conn.sent, 1)
}

func TestDispatcherGreetingShowsActivityAndMail(t *testing.T) {
	var f = testDispatcher(t)

	f.feed.Add("K2DEF", "query", "")

	var _, err = f.store.SendMessage("K2DEF", "N0CALL", "antenna", "got the beam up", nil)
	require.NoError(t, err)

	var conn = fakeAxConn("N0CALL-7")
	f.d.authenticate(conn, conn, "N0CALL-7")

	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], "Recent: K2DEF asked a question just now")
	assert.Contains(t, conn.sent[0], "You have 1 unread message(s). Ask me to read your mail.")
}

func TestDispatcherCallbookIdentity(t *testing.T) {
	var f = testDispatcher(t)

	var cb = &cannedCallbook{
		enabled: true,
		rec: &QRZRecord{
			Call:      "W1ABC",
			FirstName: "Hiram",
			LastName:  "Maxim",
			Grid:      "FN31",
		},
	}
	f.d.callbook = cb

	var conn = fakeAxConn("W1ABC-5")
	f.d.authenticate(conn, conn, "W1ABC-5")

	// Lookups go out with the base callsign; QRZ knows nothing of SSIDs.
	assert.Equal(t, []string{"W1ABC"}, cb.lookups)

	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], "Welcome, Hiram Maxim!")

	assert.Equal(t, "FN31", f.d.sessions.Get("W1ABC").Operator.Grid)
}

func TestDispatcherCallbookFailureFallsBack(t *testing.T) {
	var f = testDispatcher(t)
	f.d.callbook = &cannedCallbook{enabled: true, err: errors.New("qrz: status 503")}

	var conn = fakeAxConn("W1ABC-5")
	f.d.authenticate(conn, conn, "W1ABC-5")

	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], "Welcome, W1ABC!")
	assert.True(t, f.d.sessions.Snapshot("W1ABC").Authenticated)
}

func TestDispatcherTelnetLoginPrompt(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeTelnetConn("203.0.113.9:4021", "")

	// Blank input is dropped without comment.
	f.d.handleLine(conn, conn, "  \r  ")
	assert.Empty(t, conn.sent)

	f.d.handleLine(conn, conn, "mother")
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "Invalid callsign. Enter your callsign: ", conn.sent[0])

	// A plausible callsign is normalized and handed to the transport;
	// the greeting follows from the identify callback.
	f.d.handleLine(conn, conn, "w1abc-3")
	assert.Equal(t, []string{"W1ABC"}, conn.identified)
	assert.Len(t, conn.sent, 1)
}

func TestDispatcherAutoLoginBeforeFirstCommand(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")

	// AX.25 stations are identified by their source address, so the
	// first line triggers the greeting and then runs normally.
	f.d.handleLine(conn, conn, "help")

	require.Len(t, conn.sent, 2)
	assert.Contains(t, conn.sent[0], "Welcome, N0CALL!")
	assert.Contains(t, conn.sent[1], "Elmer Help:")
}

/*-------------------------------------------------------------------
 *
 * Commands.
 *
 *---------------------------------------------------------------*/

func TestDispatcherHelpCommand(t *testing.T) {
	var f = testDispatcher(t)

	var tests = []struct {
		name string
		line string
	}{
		{"word", "help"},
		{"question mark", "?"},
		{"uppercase", "HELP"},
		{"padded", "  help  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conn = fakeAxConn("N0CALL-7")
			f.login(conn)

			f.d.handleLine(conn, conn, tt.line)

			require.Len(t, conn.sent, 1)
			assert.Contains(t, conn.sent[0], "Elmer Help:")
			assert.Contains(t, conn.sent[0], "/download <id>")
			assert.Contains(t, conn.sent[0], "/upload")
			assert.True(t, strings.HasSuffix(conn.sent[0], PROMPT))
		})
	}
}

func TestDispatcherQuitVariants(t *testing.T) {
	var f = testDispatcher(t)

	var lines = []string{
		"quit", "bye", "exit", "73", "/exit",
		"close", "logout", "disconnect", "BYE",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			var conn = fakeAxConn("N0CALL-7")
			f.login(conn)

			f.d.handleLine(conn, conn, line)

			assert.Equal(t, []string{"73! Goodbye.\n"}, conn.sent)
			assert.True(t, conn.disconnected)
		})
	}
}

func TestDispatcherQuitLingersBeforeDisconnect(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	var started = time.Now()
	f.d.handleLine(conn, conn, "quit")

	assert.True(t, conn.disconnected)
	assert.GreaterOrEqual(t, time.Since(started), GOODBYE_LINGER,
		"the farewell gets a beat to clear the transport before the link drops")
}

func TestDispatcherStatusCommand(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.handleLine(conn, conn, "status")

	var want = "Rate limits:\n" +
		"Hourly: 0/10 (10 remaining)\n" +
		"Daily: 0/50 (50 remaining)\n" +
		"\nSession: 0 messages in history\n" + PROMPT
	require.Len(t, conn.sent, 1)
	assert.Equal(t, want, conn.sent[0])

	// One successful query later the counters move.
	var _, err = f.store.LogQuery("N0CALL-7", "anyone on 40m?", QueryLogEntry{Response: "yes"})
	require.NoError(t, err)
	f.d.sessions.AddUserMessage("N0CALL-7", "anyone on 40m?")
	f.d.sessions.AddAssistantMessage("N0CALL-7", "yes")

	conn.sent = nil
	f.d.handleLine(conn, conn, "status")

	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], "Hourly: 1/10 (9 remaining)")
	assert.Contains(t, conn.sent[0], "Session: 2 messages in history")
}

func TestDispatcherClearCommand(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	for _, line := range []string{"clear", "reset"} {
		f.d.sessions.AddUserMessage("N0CALL-7", "question")
		f.d.sessions.AddAssistantMessage("N0CALL-7", "answer")
		conn.sent = nil

		f.d.handleLine(conn, conn, line)

		assert.Equal(t, []string{"Conversation history cleared.\n" + PROMPT}, conn.sent)
		assert.Zero(t, f.d.sessions.Snapshot("N0CALL-7").Messages)
		assert.True(t, f.d.sessions.Snapshot("N0CALL-7").Authenticated,
			"clearing history must not log the operator out")
	}
}

/*-------------------------------------------------------------------
 *
 * Model turns.
 *
 *---------------------------------------------------------------*/

func TestDispatcherTurnReply(t *testing.T) {
	var reply = "The 20m band should be open to Europe this afternoon."
	var f = testDispatcher(t, textResponse(reply, 120, 30))

	var conn = fakeAxConn("N0CALL-7")
	var id, err = f.store.LogConnection("N0CALL-7")
	require.NoError(t, err)
	conn.connID = id
	f.login(conn)

	f.d.handleLine(conn, conn, "how is 20m today?")

	// Typing indicator first, then the reply with the prompt.
	assert.Equal(t, []string{"...\n", reply + "\n" + PROMPT}, conn.sent)

	// The model saw who it is talking to.
	require.Len(t, f.client.requests, 1)
	assert.Contains(t, f.client.requests[0].System,
		"The operator you are talking to is N0CALL-7.")
	require.Len(t, f.client.requests[0].Messages, 1)
	assert.Equal(t, "how is 20m today?", f.client.requests[0].Messages[0].Content)

	// The exchange joined the session history.
	var history = f.d.sessions.History("N0CALL-7")
	require.Len(t, history, 2)
	assert.Equal(t, ChatTurn{Role: "user", Content: "how is 20m today?"}, history[0])
	assert.Equal(t, ChatTurn{Role: "assistant", Content: reply}, history[1])

	// And the query log got a successful row tied to this connection.
	var rows, qerr = f.store.GetRecentQueries(5, "N0CALL-7")
	require.NoError(t, qerr)
	require.Len(t, rows, 1)
	assert.Equal(t, "how is 20m today?", rows[0].Query)
	assert.Equal(t, reply, rows[0].Response)
	assert.Equal(t, 150, rows[0].TokensUsed)
	assert.Nil(t, rows[0].Error)
	require.NotNil(t, rows[0].ConnectionID)
	assert.Equal(t, id, *rows[0].ConnectionID)

	assert.Contains(t, f.feed.RecentSummary(3, time.Minute), "N0CALL asked a question")
}

func TestDispatcherTurnRateLimited(t *testing.T) {
	var f = testDispatcher(t)
	f.cfg.RateLimits.QueriesPerHour = 1
	f.d.limiter = NewRateLimiter(f.store, f.cfg.RateLimits)

	var _, err = f.store.LogQuery("N0CALL-7", "earlier question", QueryLogEntry{Response: "ok"})
	require.NoError(t, err)

	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.handleLine(conn, conn, "one more question")

	// Byte-exact: "details." runs straight into the "\n> " prompt with
	// no blank line between them.
	var want = "Rate limit exceeded: Hourly limit reached (1/hour)\n" +
		"Please try again later. Type 'status' for details.\n> "
	assert.Equal(t, []string{want}, conn.sent)

	// The model never ran and nothing joined the history.
	assert.Empty(t, f.client.requests)
	assert.Zero(t, f.d.sessions.Snapshot("N0CALL-7").Messages)
}

func TestDispatcherTurnErrorReported(t *testing.T) {
	var f = testDispatcher(t)
	f.client.err = errors.New("API error: status 529")

	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.handleLine(conn, conn, "hello?")

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "...\n", conn.sent[0])
	assert.Equal(t, "Error: API error: status 529\nPlease try again.\n"+PROMPT, conn.sent[1])

	// Failed turns never join the history, so a retry replays cleanly.
	assert.Zero(t, f.d.sessions.Snapshot("N0CALL-7").Messages)

	// The failure is a query row with an error, which keeps it from
	// burning rate-limit quota.
	var rows, err = f.store.GetRecentQueries(5, "N0CALL-7")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, "API error: status 529", *rows[0].Error)

	var n, cerr = f.store.CountSuccessfulQueries("N0CALL-7", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, cerr)
	assert.Zero(t, n)

	var errRows int64
	require.NoError(t, f.store.db.Model(&ErrorLog{}).
		Where("error_type = ?", "ClaudeAPI").Count(&errRows).Error)
	assert.EqualValues(t, 1, errRows)
}

func TestDispatcherTruncatesOversizedReply(t *testing.T) {
	var reply = strings.Repeat("Sunspots are up and ten meters is open. ", 3)
	var f = testDispatcher(t, textResponse(reply, 80, 40))
	f.cfg.RateLimits.MaxResponseChars = 40

	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.handleLine(conn, conn, "conditions?")

	require.Len(t, conn.sent, 2)
	assert.Equal(t, reply[:40]+"\n\n[Response truncated at 40 chars]\n"+PROMPT, conn.sent[1])

	// The session keeps the full reply; only the transmission is cut.
	var history = f.d.sessions.History("N0CALL-7")
	require.Len(t, history, 2)
	assert.Equal(t, reply, history[1].Content)
}

func TestDispatcherRecoversFromPanickingTurn(t *testing.T) {
	var f = testDispatcher(t)
	f.d.engine = testTurnEngine(panickyClient{})

	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.handleLine(conn, conn, "hello")

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "Internal error. Please try again.\n"+PROMPT, conn.sent[1])

	var errRows int64
	require.NoError(t, f.store.db.Model(&ErrorLog{}).
		Where("error_type = ?", "DataHandling").Count(&errRows).Error)
	assert.EqualValues(t, 1, errRows)

	// The dispatcher itself survives.
	conn.sent = nil
	f.d.handleLine(conn, conn, "help")
	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], "Elmer Help:")
}

/*-------------------------------------------------------------------
 *
 * File commands.
 *
 *---------------------------------------------------------------*/

func TestDispatcherFilesListCommand(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	var _, err = f.files.Upload("antenna_notes.txt", []byte("dipole at 40 feet"),
		"N0CALL-7", FILE_ACCESS_PRIVATE, "dipole measurements")
	require.NoError(t, err)
	_, err = f.files.Upload("net_schedule.txt", []byte("mondays 0100z"),
		"K2DEF", FILE_ACCESS_PUBLIC, "")
	require.NoError(t, err)

	for _, line := range []string{"/files", "/list"} {
		conn.sent = nil
		f.d.handleLine(conn, conn, line)

		require.Len(t, conn.sent, 1)
		assert.Contains(t, conn.sent[0], "antenna_notes.txt")
		assert.Contains(t, conn.sent[0], "net_schedule.txt")
		assert.True(t, strings.HasSuffix(conn.sent[0], PROMPT))
	}
}

func TestDispatcherFileInfoCommand(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	var id, err = f.files.Upload("antenna_notes.txt", []byte("dipole at 40 feet"),
		"N0CALL-7", FILE_ACCESS_PRIVATE, "dipole measurements")
	require.NoError(t, err)

	f.d.handleLine(conn, conn, fmt.Sprintf("/fileinfo %d", id))

	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], fmt.Sprintf("File #%d: antenna_notes.txt", id))
	assert.Contains(t, conn.sent[0], "Access: private")
	assert.Contains(t, conn.sent[0], "Description: dipole measurements")
}

func TestDispatcherFileIDUsageErrors(t *testing.T) {
	var f = testDispatcher(t)

	var tests = []struct {
		name string
		line string
		want string
	}{
		{"missing id", "/download", "Usage: /download <id>\n" + PROMPT},
		{"word id", "/download first", "Usage: /download <id>\n" + PROMPT},
		{"zero id", "/download 0", "Usage: /download <id>\n" + PROMPT},
		{"negative id", "/fileinfo -3", "Usage: /fileinfo <id>\n" + PROMPT},
		{"share missing callsign", "/share 1", "Usage: /share <id> <callsign>\n" + PROMPT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conn = fakeAxConn("N0CALL-7")
			f.login(conn)

			f.d.handleLine(conn, conn, tt.line)

			assert.Equal(t, []string{tt.want}, conn.sent)
		})
	}
}

func TestDispatcherDownloadOverTelnet(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeTelnetConn("K2DEF", "K2DEF")
	f.login(conn)

	var data = []byte("CQ CQ CQ de K2DEF K2DEF K")
	var id, err = f.files.Upload("cq.txt", data, "K2DEF", FILE_ACCESS_PRIVATE, "")
	require.NoError(t, err)

	f.d.handleLine(conn, conn, fmt.Sprintf("/download %d", id))

	// No binary path on telnet: metadata plus an inline preview.
	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], fmt.Sprintf("File #%d: cq.txt", id))
	assert.Contains(t, conn.sent[0], "MD5: "+FileChecksum(data))
	assert.Contains(t, conn.sent[0], "--- Preview (first 500 bytes) ---")
	assert.Contains(t, conn.sent[0], string(data))
	assert.Contains(t, conn.sent[0], "Telnet cannot carry binary files.")
	assert.Empty(t, conn.downloads)

	var rec, ierr = f.files.Info(id, "K2DEF")
	require.NoError(t, ierr)
	assert.Equal(t, 1, rec.DownloadCount)
}

func TestDispatcherDownloadOverAX25(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	var data = []byte("dipole at 40 feet, SWR 1.2:1")
	var id, err = f.files.Upload("antenna_notes.txt", data, "N0CALL-7", FILE_ACCESS_PRIVATE, "")
	require.NoError(t, err)

	f.d.handleLine(conn, conn, fmt.Sprintf("/download %d", id))

	require.Len(t, conn.sent, 1)
	assert.Equal(t, fmt.Sprintf("Starting YAPP transfer: antenna_notes.txt (%s). Go to receive mode now.\n",
		FormatFileSize(len(data))), conn.sent[0])

	require.Len(t, conn.downloads, 1)
	assert.Equal(t, "antenna_notes.txt", conn.downloads[0].filename)
	assert.Equal(t, data, conn.downloads[0].data)

	// A link that refuses the transfer is reported.
	conn.sent = nil
	conn.downloadErr = errors.New("transfer already in progress")

	f.d.handleLine(conn, conn, fmt.Sprintf("/download %d", id))

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "Transfer failed to start: transfer already in progress\n"+PROMPT, conn.sent[1])
}

func TestDispatcherDownloadDenied(t *testing.T) {
	var f = testDispatcher(t)

	var id, err = f.files.Upload("secrets.txt", []byte("my 160m vertical plans"),
		"N0CALL-7", FILE_ACCESS_PRIVATE, "")
	require.NoError(t, err)

	var conn = fakeAxConn("W9XYZ-1")
	f.login(conn)

	f.d.handleLine(conn, conn, fmt.Sprintf("/download %d", id))

	assert.Equal(t, []string{"Access denied\n" + PROMPT}, conn.sent)
}

func TestDispatcherShareCommand(t *testing.T) {
	var f = testDispatcher(t)
	var owner = fakeAxConn("N0CALL-7")
	f.login(owner)

	var id, err = f.files.Upload("antenna_notes.txt", []byte("dipole at 40 feet"),
		"N0CALL-7", FILE_ACCESS_PRIVATE, "")
	require.NoError(t, err)

	f.d.handleLine(owner, owner, fmt.Sprintf("/share %d k2def", id))
	assert.Equal(t, []string{fmt.Sprintf("File %d shared with K2DEF.\n", id) + PROMPT}, owner.sent)

	// The grantee can now see it.
	var stranger = fakeAxConn("K2DEF")
	f.login(stranger)

	f.d.handleLine(stranger, stranger, fmt.Sprintf("/fileinfo %d", id))
	require.Len(t, stranger.sent, 1)
	assert.Contains(t, stranger.sent[0], "antenna_notes.txt")

	// But only the owner can share further.
	stranger.sent = nil
	f.d.handleLine(stranger, stranger, fmt.Sprintf("/share %d w9xyz", id))
	assert.Equal(t, []string{"Share failed (not owner or file not found)\n" + PROMPT}, stranger.sent)
}

func TestDispatcherPublicAndDeleteCommands(t *testing.T) {
	var f = testDispatcher(t)
	var owner = fakeAxConn("N0CALL-7")
	var stranger = fakeAxConn("W9XYZ-1")
	f.login(owner)
	f.login(stranger)

	var id, err = f.files.Upload("net_schedule.txt", []byte("mondays 0100z"),
		"N0CALL-7", FILE_ACCESS_PRIVATE, "")
	require.NoError(t, err)

	f.d.handleLine(stranger, stranger, fmt.Sprintf("/publicfile %d", id))
	assert.Equal(t, []string{"Not file owner\n" + PROMPT}, stranger.sent)

	f.d.handleLine(owner, owner, fmt.Sprintf("/publicfile %d", id))
	assert.Equal(t, []string{fmt.Sprintf("File %d is now public.\n", id) + PROMPT}, owner.sent)

	stranger.sent = nil
	f.d.handleLine(stranger, stranger, fmt.Sprintf("/deletefile %d", id))
	assert.Equal(t, []string{"Delete failed (not owner or file not found)\n" + PROMPT}, stranger.sent)

	owner.sent = nil
	f.d.handleLine(owner, owner, fmt.Sprintf("/deletefile %d", id))
	assert.Equal(t, []string{fmt.Sprintf("File %d deleted.\n", id) + PROMPT}, owner.sent)

	var files, lerr = f.files.List("N0CALL-7", "")
	require.NoError(t, lerr)
	assert.Empty(t, files)
}

func TestDispatcherUploadCommand(t *testing.T) {
	var f = testDispatcher(t)

	// Telnet has no binary path at all.
	var tconn = fakeTelnetConn("K2DEF", "K2DEF")
	f.login(tconn)

	f.d.handleLine(tconn, tconn, "/upload")
	assert.Equal(t, []string{"File upload needs a YAPP-capable AX.25 link.\n" + PROMPT}, tconn.sent)

	// AX.25 arms the link for a YAPP receive.
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.handleLine(conn, conn, "/upload")
	assert.Equal(t, []string{"Ready for YAPP upload. Start your transfer now.\n"}, conn.sent)
	assert.Equal(t, 1, conn.uploadsArmed)

	// A link that cannot be armed is reported.
	conn.sent = nil
	conn.uploadErr = errors.New("already in a transfer")

	f.d.handleLine(conn, conn, "/upload")
	require.Len(t, conn.sent, 2)
	assert.Equal(t, "Upload setup failed: already in a transfer\n"+PROMPT, conn.sent[1])
}

func TestDispatcherUploadQuotaCheckedUpFront(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	for i := 0; i < MAX_FILES_PER_USER; i++ {
		testSaveFile(t, f.store, "N0CALL-7", fmt.Sprintf("log_%02d.txt", i), FILE_ACCESS_PRIVATE)
	}

	f.d.handleLine(conn, conn, "/upload")

	var want = fmt.Sprintf("Maximum file count reached (%d files)\n", MAX_FILES_PER_USER) + PROMPT
	assert.Equal(t, []string{want}, conn.sent)
	assert.Zero(t, conn.uploadsArmed, "a full quota must not waste air time on a transfer")
}

func TestDispatcherUnknownSlashCommand(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.handleLine(conn, conn, "/frobnicate")

	var want = "Unknown command: /frobnicate\nType 'help' for available commands.\n" + PROMPT
	assert.Equal(t, []string{want}, conn.sent)
}

func TestDispatcherYappUploadStored(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	var data = []byte(strings.Repeat("73 ", 100))
	f.d.yappUploadDone(conn, "QSL card.txt", data)

	var want = fmt.Sprintf("Upload complete: QSL_card.txt (%s) saved as file #1.\n",
		FormatFileSize(len(data))) + PROMPT
	assert.Equal(t, []string{want}, conn.sent)

	var files, err = f.files.List("N0CALL-7", "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "QSL_card.txt", files[0].Filename)
	assert.Equal(t, FILE_ACCESS_PRIVATE, files[0].AccessLevel)
	assert.Equal(t, "N0CALL-7", files[0].OwnerCallsign)
}

func TestDispatcherYappUploadRejected(t *testing.T) {
	var f = testDispatcher(t)
	f.d.files = NewFileManager(f.store, 16, testLogger())

	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	f.d.yappUploadDone(conn, "bigfile.bin", make([]byte, 17))

	assert.Equal(t, []string{"Upload failed: File too large (max 16 bytes)\n" + PROMPT}, conn.sent)
}

/*-------------------------------------------------------------------
 *
 * Disconnect bookkeeping.
 *
 *---------------------------------------------------------------*/

func TestDispatcherConnClosed(t *testing.T) {
	var f = testDispatcher(t)
	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)

	var id, err = f.store.LogConnection("N0CALL-7")
	require.NoError(t, err)

	f.d.connClosed(conn, "N0CALL-7", id, 3, 4, time.Now().Add(-90*time.Second))

	// The connection row is finished off.
	var row ConnectionLog
	require.NoError(t, f.store.db.First(&row, id).Error)
	assert.NotNil(t, row.DisconnectedAt)
	assert.Equal(t, 3, row.PacketsSent)
	assert.Equal(t, 4, row.PacketsReceived)

	// Zero session timeout: the conversation ends with the link.
	assert.False(t, f.d.sessions.Snapshot("N0CALL-7").Authenticated)

	assert.Contains(t, f.feed.RecentSummary(5, time.Minute), "N0CALL disconnected")

	// The greeted mark is gone, so a reconnect is greeted again.
	conn.sent = nil
	f.d.authenticate(conn, conn, "N0CALL-7")
	require.Len(t, conn.sent, 1)
	assert.Contains(t, conn.sent[0], "Welcome, N0CALL!")
}

func TestDispatcherConnClosedKeepsSessionWithTimeout(t *testing.T) {
	var f = testDispatcher(t)
	f.cfg.Sessions.Timeout = 600

	var conn = fakeAxConn("N0CALL-7")
	f.login(conn)
	f.d.sessions.AddUserMessage("N0CALL-7", "still thinking about this one")

	f.d.connClosed(conn, "N0CALL-7", 0, 0, 0, time.Time{})

	// The session waits for a reconnect; the idle sweeper owns expiry.
	var view = f.d.sessions.Snapshot("N0CALL-7")
	assert.True(t, view.Authenticated)
	assert.Equal(t, 1, view.Messages)
}

/*-------------------------------------------------------------------
 *
 * Connection workers.
 *
 *---------------------------------------------------------------*/

func TestDispatcherWorkerRunsTasksInOrder(t *testing.T) {
	var f = testDispatcher(t)
	var owner = new(int)

	var (
		mu    sync.Mutex
		order []int
		done  = make(chan struct{})
	)

	for i := 0; i < 5; i++ {
		var n = i
		f.d.enqueue(owner, "N0CALL", func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()

			if n == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued tasks never ran")
	}

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	mu.Unlock()

	f.d.detach(owner)
}

func TestDispatcherQueueOverflowDropsInput(t *testing.T) {
	var f = testDispatcher(t)
	var owner = new(int)

	var (
		started = make(chan struct{})
		gate    = make(chan struct{})
		drained = make(chan struct{})
	)

	var mu sync.Mutex
	var ran int

	// Park the worker so nothing drains while we fill the queue.
	f.d.enqueue(owner, "N0CALL", func() {
		close(started)
		<-gate
	})
	<-started

	for i := 0; i < DISPATCH_QUEUE_LEN; i++ {
		var last = i == DISPATCH_QUEUE_LEN-1
		f.d.enqueue(owner, "N0CALL", func() {
			mu.Lock()
			ran++
			mu.Unlock()

			if last {
				close(drained)
			}
		})
	}

	// One past capacity: dropped, not queued.
	f.d.enqueue(owner, "N0CALL", func() {
		mu.Lock()
		ran++
		mu.Unlock()
	})

	close(gate)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queued tasks never drained")
	}

	mu.Lock()
	assert.Equal(t, DISPATCH_QUEUE_LEN, ran)
	mu.Unlock()

	f.d.detach(owner)
}

func TestDispatcherDetachedWorkerRestarts(t *testing.T) {
	var f = testDispatcher(t)
	var owner = new(int)

	var first = make(chan struct{})
	f.d.enqueue(owner, "N0CALL", func() { close(first) })
	<-first

	f.d.detach(owner)

	// A fresh event after detach gets a fresh worker, the reconnect
	// case.
	var second = make(chan struct{})
	f.d.enqueue(owner, "N0CALL", func() { close(second) })

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not restart after detach")
	}

	f.d.detach(owner)
}

/*-------------------------------------------------------------------
 *
 * AX.25 binding, end to end: SABM in, UA and greeting out, a UI line
 * through the model, DISC tears the session down.
 *
 *---------------------------------------------------------------*/

// uiText gathers the payload of every UI frame transmitted so far.
// Safe to poll from Eventually, which runs its condition off the test
// goroutine.
func uiText(sender *fakeSender) string {
	sender.mu.Lock()
	defer sender.mu.Unlock()

	var b strings.Builder
	for _, c := range sender.calls {
		for _, raw := range c.frames {
			var frame, err = DecodeAX25Frame(raw)
			if err == nil && frame.IsUI() {
				b.Write(frame.Info)
			}
		}
	}

	return b.String()
}

func TestDispatcherBindAX25EndToEnd(t *testing.T) {
	var f = testDispatcher(t, textResponse("QRZ? Go ahead.", 40, 8))

	var mgr, sender = testLinkManager(t)
	f.d.BindAX25(mgr)

	var local = NewAX25Address("ELMER", 0)
	var peer = NewAX25Address("N0CALL", 7)

	mgr.HandleFrame(0, NewSABMFrame(local, peer).Encode())

	var conn = mgr.Get("N0CALL-7")
	require.NotNil(t, conn)
	assert.Greater(t, conn.ConnectionID, int64(0), "connect should be logged before any turn runs")

	// The greeting runs on the connection worker and goes out as paced
	// UI frames with CR line endings.
	require.Eventually(t, func() bool {
		return strings.Contains(uiText(sender), "Welcome, N0CALL!")
	}, 2*time.Second, 10*time.Millisecond, "greeting was never transmitted")

	mgr.HandleFrame(0, NewUIFrame(local, peer, []byte("hello elmer")).Encode())

	require.Eventually(t, func() bool {
		return strings.Contains(uiText(sender), "QRZ? Go ahead.")
	}, 2*time.Second, 10*time.Millisecond, "reply was never transmitted")

	var last = sender.lastFrame(t)
	assert.True(t, last.IsUI())
	assert.Equal(t, "N0CALL-7", last.Destination.Key())
	assert.Equal(t, "ELMER-0", last.Source.Key())

	mgr.HandleFrame(0, NewDISCFrame(local, peer).Encode())

	assert.False(t, f.d.sessions.Snapshot("N0CALL-7").Authenticated,
		"zero session timeout removes the session at disconnect")
}
