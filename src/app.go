package elmer

/*------------------------------------------------------------------
 *
 * Name:	app
 *
 * Purpose:	Assemble the gateway and run it: storage, sessions,
 *		tools, the turn engine, the dispatcher, and whichever
 *		transports are enabled.
 *
 * Description:	NewApp builds everything that cannot fail at runtime
 *		and opens the database; Start attaches the TNC, binds
 *		the telnet listener, and kicks off the housekeeping
 *		sweep.  Stop is idempotent and unwinds in the reverse
 *		order: cancel in-flight turns, disconnect stations,
 *		close the transports, wait for the loops, then flush
 *		the logs and the database.
 *
 *		App also implements BbsControl, the capability surface
 *		the bbs_session tool operates through.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	SWEEP_INTERVAL    = 60 * time.Second
	CONN_IDLE_TIMEOUT = 10 * time.Minute

	// Chat channel presence entries older than this many hours are
	// swept; a station that vanished mid-chat should not show as
	// present forever.
	PRESENCE_MAX_AGE_HOURS = 1

	// Query, rate-limit, and error history older than this many
	// days is purged once a day.
	LOG_RETENTION_DAYS  = 30
	DATA_PURGE_INTERVAL = 24 * time.Hour
)

// AppOptions selects the transports for this run.  Both off is a
// configuration error.
type AppOptions struct {
	EnableAX25   bool
	EnableTelnet bool
}

type App struct {
	cfg  *Config
	opts AppOptions

	baseLog *log.Logger
	log     *log.Logger

	store    *Store
	sessions *SessionStore
	limiter  *RateLimiter
	files    *FileManager
	feed     *ActivityFeed
	activity *ActivityLog
	callbook Callbook
	engine   *TurnEngine
	dispatch *Dispatcher

	tnc    *TNCClient
	links  *LinkManager
	telnet *TelnetServer
	ptt    PTTController

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

func NewApp(cfg *Config, opts AppOptions, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}

	if !opts.EnableAX25 && !opts.EnableTelnet {
		return nil, fmt.Errorf("app: no transports enabled")
	}

	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("app: ANTHROPIC_API_KEY is not set")
	}

	var store, err = OpenStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	var ctx, cancel = context.WithCancel(context.Background())

	var a = &App{
		cfg:     cfg,
		opts:    opts,
		baseLog: logger,
		log:     logger.WithPrefix("app"),
		store:   store,
		ctx:     ctx,
		cancel:  cancel,
	}

	a.sessions = NewSessionStore(cfg.Sessions.MaxContextMessages, logger)
	a.limiter = NewRateLimiter(store, cfg.RateLimits)
	a.files = NewFileManager(store, cfg.FileTransfer.MaxSize, logger)
	a.feed = NewActivityFeed(0)
	a.activity = NewActivityLog(cfg.Logging.LogDir, store, logger)

	// Always built; with no credentials it reports itself disabled
	// and the dispatcher and the lookup tool both honor that.
	a.callbook = NewQRZClient(cfg.QRZUsername, cfg.QRZPassword, cfg.QRZAPIKey, logger)

	var llm = NewAnthropicClient(cfg.AnthropicAPIKey, logger)
	a.engine = NewTurnEngine(llm, a.registerTools(logger), cfg.Claude, logger)

	a.dispatch = NewDispatcher(ctx, DispatcherDeps{
		Config:   cfg,
		Sessions: a.sessions,
		Limiter:  a.limiter,
		Store:    a.store,
		Engine:   a.engine,
		Files:    a.files,
		Callbook: a.callbook,
		Feed:     a.feed,
		Activity: a.activity,
	}, logger)

	return a, nil
}

func (a *App) registerTools(logger *log.Logger) *ToolRegistry {
	var reg = NewToolRegistry(logger)

	reg.Register(NewQRZTool(a.callbook, a.cfg.Station.Grid, logger))
	reg.Register(NewWebSearchTool(a.cfg.Search, logger))
	reg.Register(NewPOTASpotsTool(a.cfg.POTA, a.cfg.Station.Grid, logger))
	reg.Register(NewDXClusterTool(a.cfg.DXCluster, logger))
	reg.Register(NewBandConditionsTool(a.cfg.BandConditions, logger))
	reg.Register(NewMessageTool(a.store, logger))
	reg.Register(NewChatTool(a.store, logger))
	reg.Register(NewFileTool(a.files, logger))
	reg.Register(NewBbsSessionTool(a, logger))

	return reg
}

/*-------------------------------------------------------------------
 *
 * Startup and shutdown.
 *
 *---------------------------------------------------------------*/

func (a *App) Start() error {
	a.startedAt = time.Now()

	a.log.Info("starting", "version", Version(), "station", a.cfg.Station.Callsign)
	a.activity.Startup(a.cfg.Station.Callsign)

	if a.opts.EnableAX25 {
		if err := a.startAX25(); err != nil {
			return err
		}
	}

	if a.opts.EnableTelnet {
		if err := a.startTelnet(); err != nil {
			return err
		}
	}

	a.wg.Add(1)
	go a.sweepLoop()

	return nil
}

func (a *App) startAX25() error {
	if a.cfg.Radio.Enabled {
		var ptt, err = NewPTTController(a.cfg.Radio.PTTConfig)
		if err != nil {
			return fmt.Errorf("ptt setup: %w", err)
		}
		a.ptt = ptt
	}

	a.tnc = NewTNCClient(TNCOptions{
		Host:    a.cfg.Direwolf.Host,
		Port:    a.cfg.Direwolf.Port,
		Device:  a.cfg.Direwolf.Device,
		Baud:    a.cfg.Direwolf.Baud,
		Timeout: a.cfg.DirewolfTimeout(),
		PTT:     a.ptt,
		Logger:  a.baseLog,
	})

	if err := a.tnc.Connect(); err != nil {
		return err
	}

	a.links = NewLinkManager(a.tnc, []string{a.cfg.Station.Callsign}, a.baseLog)
	a.dispatch.BindAX25(a.links)

	a.wg.Add(1)
	go a.readFrames()

	return nil
}

func (a *App) startTelnet() error {
	a.telnet = NewTelnetServer(a.cfg.Telnet.Host, a.cfg.Telnet.Port, a.baseLog)
	a.dispatch.BindTelnet(a.telnet)

	if err := a.telnet.Start(); err != nil {
		return err
	}

	if a.cfg.Telnet.Announce {
		AnnounceTelnet(a.ctx, a.cfg.Station.Callsign, a.telnet.Port(), a.baseLog)
	}

	return nil
}

// readFrames feeds the KISS byte stream into the link manager until
// the TNC goes away.  A transport failure is not fatal for the rest
// of the gateway; telnet keeps serving.
func (a *App) readFrames() {
	defer a.wg.Done()

	if err := a.tnc.ReadLoop(a.links.HandleFrame); err != nil {
		a.log.Error("KISS transport failed", "err", err)
		a.activity.Error("KISSTransport", err.Error(), "")
	}
}

// Stop shuts everything down.  Safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(a.stopAll)
}

func (a *App) stopAll() {
	a.log.Info("shutting down")

	// Unblock in-flight turns and stop the sweeper.
	a.cancel()

	// Say goodbye to each RF station before dropping the TNC.
	if a.links != nil {
		for _, c := range a.links.Connections() {
			a.links.Disconnect(c)
		}
	}
	if a.tnc != nil {
		a.tnc.Close()
	}
	if a.telnet != nil {
		a.telnet.Stop()
	}

	a.wg.Wait()

	if a.ptt != nil {
		a.ptt.Close()
	}

	a.activity.Shutdown("shutdown")
	a.activity.Close()

	if err := a.store.Close(); err != nil {
		a.log.Warn("database close failed", "err", err)
	}

	a.log.Info("stopped")
}

/*-------------------------------------------------------------------
 *
 * Name:	sweepLoop
 *
 * Purpose:	Periodic housekeeping: reap idle connections and
 *		sessions, stale chat presence, and old history.
 *
 *---------------------------------------------------------------*/

func (a *App) sweepLoop() {
	defer a.wg.Done()

	var ticker = time.NewTicker(SWEEP_INTERVAL)
	defer ticker.Stop()

	var lastPurge time.Time

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		if a.links != nil {
			a.links.CleanupStale(CONN_IDLE_TIMEOUT)
		}
		if a.telnet != nil {
			a.telnet.CleanupStale(CONN_IDLE_TIMEOUT)
		}

		if timeout := a.cfg.SessionTimeout(); timeout > 0 {
			a.sessions.CleanupIdle(timeout)
		}

		if err := a.store.CleanupStalePresence(PRESENCE_MAX_AGE_HOURS); err != nil {
			a.log.Warn("presence sweep failed", "err", err)
		}

		if time.Since(lastPurge) >= DATA_PURGE_INTERVAL {
			lastPurge = time.Now()
			if err := a.store.CleanupOldData(LOG_RETENTION_DAYS); err != nil {
				a.log.Warn("history purge failed", "err", err)
			}
		}
	}
}

/*-------------------------------------------------------------------
 *
 * BbsControl implementation.  These run on turn-engine goroutines
 * while the transports keep working, so everything goes through the
 * components' own locked accessors.
 *
 *---------------------------------------------------------------*/

func (a *App) ListUsers() []BbsUser {
	var users []BbsUser

	if a.links != nil {
		for _, c := range a.links.Connections() {
			users = append(users, BbsUser{
				Callsign:        c.RemoteKey(),
				Type:            "ax25",
				State:           c.State.String(),
				ConnectedAt:     c.ConnectedAt,
				PacketsSent:     c.PacketsSent,
				PacketsReceived: c.PacketsReceived,
			})
		}
	}

	if a.telnet != nil {
		for _, c := range a.telnet.Connections() {
			users = append(users, BbsUser{
				Callsign:        c.RemoteKey(),
				Type:            "telnet",
				State:           c.State.String(),
				ConnectedAt:     c.ConnectedAt,
				PacketsSent:     c.PacketsSent,
				PacketsReceived: c.PacketsReceived,
				IPAddress:       c.Addr(),
			})
		}
	}

	return users
}

func (a *App) FindUser(connectionID string) (BbsUser, bool) {
	for _, u := range a.ListUsers() {
		if strings.EqualFold(u.Callsign, connectionID) || u.IPAddress == connectionID {
			return u, true
		}
	}

	return BbsUser{}, false
}

// findTelnet matches a telnet connection by callsign or address.
func (a *App) findTelnet(connectionID string) *TelnetConnection {
	if a.telnet == nil {
		return nil
	}

	for _, c := range a.telnet.Connections() {
		if strings.EqualFold(c.RemoteKey(), connectionID) || c.Addr() == connectionID {
			return c
		}
	}

	return nil
}

func (a *App) SetCallsign(connectionID, callsign string) (string, error) {
	if a.telnet == nil {
		return "", fmt.Errorf("Telnet server not enabled")
	}

	var conn = a.findTelnet(connectionID)
	if conn == nil {
		return "", fmt.Errorf("Telnet connection not found: %s", connectionID)
	}

	var old = conn.RemoteKey()
	a.telnet.Identify(conn, callsign)

	return old, nil
}

func (a *App) Kick(connectionID string) bool {
	if a.links != nil {
		for _, c := range a.links.Connections() {
			if strings.EqualFold(c.RemoteKey(), connectionID) {
				a.links.Disconnect(c)
				return true
			}
		}
	}

	if conn := a.findTelnet(connectionID); conn != nil {
		a.telnet.Disconnect(conn)
		return true
	}

	return false
}

func (a *App) SessionInfo(connectionID string) SessionView {
	return a.sessions.Snapshot(connectionID)
}

func (a *App) ClearHistory(connectionID string) {
	a.sessions.Clear(connectionID)
}

func (a *App) Status() BbsStatus {
	var st = BbsStatus{
		StartedAt:        a.startedAt,
		AX25Enabled:      a.links != nil,
		TelnetEnabled:    a.telnet != nil,
		Sessions:         a.sessions.Stats(),
		WebSearchEnabled: a.cfg.Search.Enabled,
		POTAEnabled:      a.cfg.POTA.Enabled,
	}

	if a.links != nil {
		st.AX25Connections = a.links.Count()
	}
	if a.telnet != nil {
		st.TelnetConnections = a.telnet.Count()
	}

	return st
}
