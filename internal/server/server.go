package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/siohaza/blocksmith/internal/antispam"
	"github.com/siohaza/blocksmith/internal/bans"
	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/blocklog"
	"github.com/siohaza/blocksmith/internal/callbacks"
	"github.com/siohaza/blocksmith/internal/heartbeat"
	"github.com/siohaza/blocksmith/internal/mapmeta"
	"github.com/siohaza/blocksmith/internal/network"
	"github.com/siohaza/blocksmith/internal/ping"
	"github.com/siohaza/blocksmith/internal/placement"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/playerdb"
	"github.com/siohaza/blocksmith/internal/protocol"
	"github.com/siohaza/blocksmith/internal/rank"
	"github.com/siohaza/blocksmith/internal/validation"
	"github.com/siohaza/blocksmith/internal/world"
	"github.com/siohaza/blocksmith/pkg/config"
	"github.com/siohaza/blocksmith/pkg/lua"
)

const (
	// connections beyond the player limit are accepted long enough to be told
	// the server is full
	maxConnections = 128
	maxPlayerID    = 127

	serviceTimeout = 50 * time.Millisecond
	tickInterval   = time.Second
	pingInterval   = 5 * time.Second
	saveInterval   = 5 * time.Minute
	cleanInterval  = time.Minute
	lookupTimeout  = 5 * time.Second

	mapExtension = ".bsmap"
)

const (
	MsgWrongVersion  = "Unsupported protocol version."
	MsgInvalidName   = "Invalid characters in player name!"
	MsgUnverified    = "Could not verify player name!"
	MsgServerFull    = "Sorry, server is full."
	MsgNoAccess      = "You are not allowed to join this world."
	MsgLoggedInTwice = "You logged in again from another place."
	MsgUnexpected    = "Unexpected packet."
	MsgChatDenied    = "You are not allowed to chat."
	MsgMapFailed     = "Failed to send map."
)

type Server struct {
	config *config.Config
	logger *slog.Logger
	now    func() time.Time

	ranks      *rank.Registry
	network    *network.Server
	players    *player.Manager
	world      *world.World
	authorizer *placement.Authorizer
	callbacks  *callbacks.CallbackChain
	plugins    *lua.Host
	commands   map[string]*command
	banManager *bans.Manager
	db         *playerdb.Store
	journal    *blocklog.Journal
	heartbeat  *heartbeat.Client
	lan        *ping.Handler
	console    *player.Player

	// sessions and confirmations belong to the server loop
	sessions      map[uint64]*session
	confirmations map[*player.Player]func()
	consoleLines  chan string
	// logins carries player records read off the loop back to it
	logins chan loginResult

	startTime time.Time
	lastPing  time.Time
	lastSave  time.Time
	lastClean time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

var (
	_ placement.Kicker    = (*Server)(nil)
	_ lua.ServerInterface = (*Server)(nil)
	_ heartbeat.Source    = (*Server)(nil)
)

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	set, err := loadRanks(cfg, logger)
	if err != nil {
		return nil, err
	}

	net, err := network.NewServer(cfg.Server.Port, maxConnections, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create network server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:        cfg,
		logger:        logger,
		now:           time.Now,
		ranks:         rank.NewRegistry(set, logger),
		network:       net,
		players:       player.NewManager(),
		callbacks:     callbacks.NewCallbackChain(logger),
		sessions:      make(map[uint64]*session),
		confirmations: make(map[*player.Player]func()),
		consoleLines:  make(chan string, 16),
		logins:        make(chan loginResult, 16),
		ctx:           ctx,
		cancel:        cancel,
	}

	m, err := srv.loadMap()
	if err != nil {
		cancel()
		return nil, err
	}
	srv.world = world.New(cfg.Server.DefaultWorld, m, srv.ranks, srv.onBlockApplied, logger)
	srv.loadMetadata()

	srv.banManager = bans.NewManager(cfg.Storage.Bans)
	if err := srv.banManager.Load(); err != nil {
		logger.Warn("failed to load bans", "error", err)
	}

	srv.db, err = playerdb.Open(cfg.Storage.Database, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open player database: %w", err)
	}
	srv.journal = blocklog.New(cfg.Storage.BlockLogDir)

	srv.commands = builtinCommands()
	if cfg.Plugins.Enabled {
		reserved := make([]string, 0, len(srv.commands))
		for name := range srv.commands {
			reserved = append(reserved, name)
		}
		srv.plugins = lua.NewHost(srv, reserved, logger)
		srv.callbacks.Register(srv.plugins)
	}

	srv.authorizer = placement.New(placement.Options{
		Hooks:           srv.callbacks,
		Kicker:          srv,
		RelayAllUpdates: cfg.Server.RelayAllUpdates,
		Now:             func() time.Time { return srv.now() },
		Logger:          logger,
	})

	srv.heartbeat, err = heartbeat.New(srv, heartbeat.Options{
		URL:             cfg.Heartbeat.URL,
		Enabled:         cfg.Heartbeat.Enabled,
		Period:          cfg.Heartbeat.Period,
		Timeout:         cfg.Heartbeat.Timeout,
		StatusFile:      cfg.Heartbeat.StatusFile,
		ExternalURLFile: cfg.Heartbeat.ExternalURLFile,
	}, logger)
	if err != nil {
		srv.db.Close()
		cancel()
		return nil, fmt.Errorf("failed to create heartbeat: %w", err)
	}
	srv.heartbeat.OnURLChanged(func(_, newURL string) {
		logger.Info("server is listed", "url", newURL)
	})

	if cfg.LAN.Enabled {
		srv.lan = ping.NewHandler(fmt.Sprintf(":%d", cfg.LAN.Port), srv, logger)
	}

	srv.console = player.NewConsole(srv.ranks, &consoleSession{out: os.Stdout})
	srv.console.SetWorld(srv.world)

	return srv, nil
}

func loadRanks(cfg *config.Config, logger *slog.Logger) (*rank.Set, error) {
	set, err := rank.LoadFile(cfg.Server.RanksFile, logger)
	if err == nil {
		return set, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	set, err = rank.NewSet(rank.DefaultDefinitions(), cfg.Server.DefaultRank, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build default ranks: %w", err)
	}
	if err := set.Save(cfg.Server.RanksFile); err != nil {
		logger.Warn("failed to write default ranks file", "path", cfg.Server.RanksFile, "error", err)
	} else {
		logger.Info("wrote default ranks file", "path", cfg.Server.RanksFile)
	}
	return set, nil
}

func (s *Server) mapPath() string {
	return filepath.Join(s.config.Storage.WorldDir, s.config.Server.DefaultWorld+mapExtension)
}

func (s *Server) loadMap() (*world.Map, error) {
	path := s.mapPath()
	m, err := world.LoadMap(path)
	if err == nil {
		s.logger.Info("loaded map", "path", path, "width", m.Width(), "length", m.Length(), "height", m.Height())
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load map: %w", err)
	}

	size := s.config.Server.WorldSize
	m, err = world.Flat(size[0], size[1], size[2])
	if err != nil {
		return nil, fmt.Errorf("failed to create map: %w", err)
	}
	s.logger.Info("created flat map", "width", size[0], "length", size[1], "height", size[2])
	return m, nil
}

func (s *Server) saveMap() {
	if err := s.world.Map().Save(s.mapPath()); err != nil {
		s.logger.Error("failed to save map", "error", err)
	}
	if err := mapmeta.Capture(s.world, s.now()).Save(s.metadataPath()); err != nil {
		s.logger.Error("failed to save world metadata", "error", err)
	}
}

func (s *Server) metadataPath() string {
	return filepath.Join(s.config.Storage.WorldDir, s.config.Server.DefaultWorld+mapmeta.Extension)
}

func (s *Server) loadMetadata() {
	meta, err := mapmeta.Load(s.metadataPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to load world metadata", "error", err)
		}
		return
	}
	meta.Apply(s.world, s.ranks, s.logger)
	s.logger.Info("loaded world metadata", "zones", len(meta.Zones), "locked", meta.Locked)
}

func (s *Server) Start() error {
	if err := s.network.Start(); err != nil {
		return fmt.Errorf("failed to start network: %w", err)
	}

	if s.plugins != nil {
		if err := s.plugins.LoadDir(s.config.Plugins.Dir); err != nil {
			s.logger.Warn("failed to load plugins", "error", err)
		}
	}

	if s.lan != nil {
		if err := s.lan.Start(); err != nil {
			s.logger.Warn("failed to start lan responder", "error", err)
			s.lan = nil
		} else {
			s.logger.Info("lan responder started", "port", s.config.LAN.Port)
		}
	}

	s.startTime = s.now()
	s.lastPing = s.startTime
	s.lastSave = s.startTime
	s.lastClean = s.startTime
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.world.Run(s.ctx)
	}()
	go s.run()

	s.heartbeat.Start(s.ctx)

	s.logger.Info("server started", "name", s.config.Server.Name, "world", s.world.Name())
	return nil
}

func (s *Server) Addr() string {
	if addr := s.network.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Stop disconnects everyone, waits for the loop and the world consumer to
// finish and then saves the map.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping server")

		s.heartbeat.Stop()
		if s.lan != nil {
			s.lan.Stop()
		}

		for _, p := range s.players.GetAll() {
			_ = p.Kick("Server is shutting down.")
		}
		s.network.Stop()
		s.cancel()
		s.wg.Wait()

		for _, p := range s.players.GetAll() {
			s.removePlayer(p)
		}

		if s.plugins != nil {
			s.plugins.Close()
		}
		s.world.ApplyPending()
		s.saveMap()

		if err := s.journal.Close(); err != nil {
			s.logger.Warn("failed to close block journal", "error", err)
		}
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close player database", "error", err)
		}

		s.logger.Info("server stopped")
	})
}

// RegisterCallbacks adds an observer of player and block events.
func (s *Server) RegisterCallbacks(cb callbacks.Callbacks) {
	s.callbacks.Register(cb)
}

func (s *Server) World() *world.World {
	return s.world
}

func (s *Server) Ranks() *rank.Registry {
	return s.ranks
}

func (s *Server) Players() *player.Manager {
	return s.players
}

func (s *Server) Uptime() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return s.now().Sub(s.startTime)
}

// ExecuteConsole runs a line typed at the server terminal on the server loop.
func (s *Server) ExecuteConsole(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	select {
	case s.consoleLines <- line:
	case <-s.ctx.Done():
	}
}

func (s *Server) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		case line := <-s.consoleLines:
			s.handleMessage(s.console, line)
		case res := <-s.logins:
			s.finishLogin(res)
		default:
		}

		if !s.handleNetworkEvents() {
			return
		}
	}
}

func (s *Server) handleNetworkEvents() bool {
	for i := 0; i < 100; i++ {
		timeout := time.Duration(0)
		if i == 0 {
			timeout = serviceTimeout
		}
		event, err := s.network.Service(timeout)
		if err != nil {
			if errors.Is(err, network.ErrClosed) {
				return false
			}
			s.logger.Error("network service error", "error", err)
			return true
		}

		switch event.Type {
		case network.EventTypeNone:
			return true
		case network.EventTypeConnect:
			s.sessions[event.Conn.ID()] = newSession(event.Conn)
		case network.EventTypeDisconnect:
			s.handleDisconnect(event.Conn)
		case network.EventTypeReceive:
			s.handlePacket(event.Conn, event.PacketType, event.Data)
		}
	}
	return true
}

func (s *Server) tick(now time.Time) {
	if s.plugins != nil {
		s.plugins.Tick(now)
	}

	for _, p := range s.players.GetAll() {
		r := p.Rank()
		if r.IdleKickAfter > 0 && now.Sub(p.IdleSince()) > r.IdleKickAfter {
			s.KickPlayer(p,
				fmt.Sprintf("Idle for more than %.0f minutes.", r.IdleKickAfter.Minutes()),
				fmt.Sprintf("%s&e was kicked for being idle.", p.ClassyName()))
		}
	}

	if now.Sub(s.lastPing) >= pingInterval {
		s.lastPing = now
		for _, sess := range s.sessions {
			if sess.player != nil {
				_ = sess.send(pingPacket{})
			}
		}
	}

	if now.Sub(s.lastClean) >= cleanInterval {
		s.lastClean = now
		if err := s.banManager.Cleanup(); err != nil {
			s.logger.Warn("failed to clean up bans", "error", err)
		}
	}

	if now.Sub(s.lastSave) >= saveInterval {
		s.lastSave = now
		s.saveMap()
	}
}

type pingPacket struct{}

func (pingPacket) Write(w io.Writer) error {
	return protocol.WritePing(w)
}

func (s *Server) handleDisconnect(conn *network.Conn) {
	sess, ok := s.sessions[conn.ID()]
	if !ok {
		return
	}
	delete(s.sessions, conn.ID())

	if sess.player != nil {
		s.removePlayer(sess.player)
		sess.player = nil
	}
}

func (s *Server) handlePacket(conn *network.Conn, typ protocol.PacketType, data []byte) {
	sess, ok := s.sessions[conn.ID()]
	if !ok || sess.Kicked() {
		return
	}

	if sess.player == nil {
		if sess.pending {
			return
		}
		if typ != protocol.PacketTypeIdentification {
			s.logger.Warn("packet before identification", "remote", conn.RemoteAddr(), "type", typ)
			_ = sess.Kick(MsgUnexpected)
			return
		}
		s.login(sess, data)
		return
	}

	p := sess.player
	switch typ {
	case protocol.PacketTypeSetBlockClient:
		s.handleSetBlock(p, data)
	case protocol.PacketTypeTeleport:
		s.handleMove(p, data)
	case protocol.PacketTypeMessage:
		var msg protocol.PacketMessage
		if err := msg.Read(data); err != nil {
			return
		}
		text := strings.TrimSpace(msg.Message)
		if text != "" {
			s.handleMessage(p, text)
		}
	default:
		s.logger.Debug("ignored packet", "player", p.Name(), "type", typ)
	}
}

// login checks a client's identification and looks up the player's record
// off the loop. finishLogin takes over once the record is back.
func (s *Server) login(sess *session, data []byte) {
	var ident protocol.PacketIdentification
	if err := ident.Read(data); err != nil {
		_ = sess.Kick(MsgUnexpected)
		return
	}
	ip := sess.RemoteAddr()
	name := ident.Name

	if ident.Version != protocol.Version {
		s.logger.Info("rejected client with wrong protocol version", "remote", ip, "version", ident.Version)
		_ = sess.Kick(MsgWrongVersion)
		return
	}
	if !validation.IsValidPlayerName(name) {
		s.logger.Warn("rejected invalid player name", "remote", ip, "name", name)
		_ = sess.Kick(MsgInvalidName)
		return
	}
	if s.config.Server.VerifyNames && !heartbeat.VerifyName(s.heartbeat.Salt(), name, ident.Key) {
		s.logger.Warn("player name could not be verified", "remote", ip, "name", name)
		_ = sess.Kick(MsgUnverified)
		return
	}
	if ban, banned := s.banManager.Check(name, ip); banned {
		s.logger.Info("banned player attempted to connect", "player", name, "remote", ip, "reason", ban.Reason)
		_ = sess.Kick(banMessage(ban))
		return
	}

	sess.pending = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, lookupTimeout)
		rec, err := s.db.Lookup(ctx, name)
		cancel()
		select {
		case s.logins <- loginResult{sess: sess, name: name, rec: rec, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// loginResult is a player record looked up for a session still logging in.
type loginResult struct {
	sess *session
	name string
	rec  *playerdb.Record
	err  error
}

// finishLogin brings a looked-up player into the world. The session may have
// gone away while the lookup ran.
func (s *Server) finishLogin(res loginResult) {
	sess := res.sess
	sess.pending = false
	if cur, ok := s.sessions[sess.conn.ID()]; !ok || cur != sess || sess.Kicked() {
		return
	}
	ip := sess.RemoteAddr()
	name := res.name

	r := s.ranks.Current().Default()
	switch {
	case res.err == nil:
		r = s.ranks.Resolve(res.rec.RankID)
		name = res.rec.Name
	case !errors.Is(res.err, playerdb.ErrNotFound):
		s.logger.Warn("failed to look up player", "player", name, "error", res.err)
	}

	if old, ok := s.players.GetByName(name); ok {
		s.logger.Info("player logged in twice, dropping old session", "player", name)
		_ = old.Kick(MsgLoggedInTwice)
		s.removePlayer(old)
		if oldSess, ok := old.Session().(*session); ok {
			oldSess.player = nil
		}
	}

	limit := s.config.Server.MaxPlayers
	if r.ReservedSlot {
		limit = maxPlayerID
	}
	id, ok := s.players.FindFreeID(limit)
	if !ok {
		s.logger.Info("server full, rejecting player", "player", name)
		_ = sess.Kick(MsgServerFull)
		return
	}

	p := player.New(id, name, r, s.ranks, sess, s.antispamPolicy())
	if !s.world.CheckAccess(p).Permits() {
		_ = sess.Kick(MsgNoAccess)
		return
	}
	p.SetWorld(s.world)
	sess.player = p

	if err := s.join(sess, p); err != nil {
		s.logger.Error("failed to send world", "player", name, "error", err)
		_ = sess.Kick(MsgMapFailed)
		sess.player = nil
		return
	}

	sess.record = s.db.RecordLogin(p.Name(), ip, p.Rank().ID, s.now())
	s.logger.Info("player joined", "player", p.Name(), "id", p.ID, "remote", ip, "rank", p.Rank().Name)

	s.broadcastVisible(p, fmt.Sprintf("%s&e joined the server.", p.ClassyName()))
	for _, line := range s.config.Server.WelcomeMessages {
		p.Message("%s", line)
	}
	s.callbacks.OnPlayerConnected(p)
}

func (s *Server) antispamPolicy() antispam.Policy {
	return antispam.Policy{
		MessageCount: s.config.Antispam.MessageCount,
		Interval:     s.config.Antispam.Interval,
		MaxWarnings:  s.config.Antispam.MaxWarnings,
		MuteDuration: s.config.Antispam.MuteDuration,
	}
}

func banMessage(b *bans.Ban) string {
	by := b.BannedBy
	if by == "" {
		by = "an operator"
	}
	if b.Reason == "" {
		return fmt.Sprintf("You were banned by %s", by)
	}
	return fmt.Sprintf("Banned by %s: %s", by, b.Reason)
}

func userType(p *player.Player) protocol.UserType {
	if p.Can(rank.DeleteAdmincrete) {
		return protocol.UserTypeOperator
	}
	return protocol.UserTypeNormal
}

// join spawns p and starts sending the map. The level is compressed and
// written off the loop; everything else sent to p, including updates broadcast
// while the map is in flight, is held by the session and follows the map.
func (s *Server) join(sess *session, p *player.Player) error {
	ident, err := protocol.Encode(&protocol.PacketIdentification{
		Version:  protocol.Version,
		Name:     s.config.Server.Name,
		Key:      s.config.Server.MOTD,
		UserType: userType(p),
	})
	if err != nil {
		return err
	}

	sess.beginLoading()
	if err := sess.sendNow(ident); err != nil {
		sess.finishLoading()
		return err
	}

	// added before the snapshot is taken, so no applied edit is missed
	s.players.Add(p)

	m := s.world.Map()
	pos := spawnPosition(m.Spawn())
	p.SetPosition(pos)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sess.finishLoading()
		if err := sendLevel(sess, m, p.Name(), pos); err != nil {
			s.logger.Error("failed to send world", "player", p.Name(), "error", err)
			_ = sess.Kick(MsgMapFailed)
		}
	}()

	for _, other := range s.players.GetAll() {
		if other == p {
			continue
		}
		if p.CanSee(other) {
			_ = sess.send(spawnPacket(other))
		}
		if other.CanSee(p) {
			s.sendTo(other, spawnPacket(p))
		}
	}
	return nil
}

// sendLevel compresses a snapshot of m and writes it to sess followed by the
// player's own spawn.
func sendLevel(sess *session, m *world.Map, name string, pos player.Position) error {
	var level bytes.Buffer
	if err := m.WriteLevel(&level, gzip.DefaultCompression); err != nil {
		return err
	}

	var out bytes.Buffer
	if err := protocol.WriteLevelInit(&out); err != nil {
		return err
	}
	if err := protocol.WriteLevelChunks(&out, level.Bytes()); err != nil {
		return err
	}
	finalize := protocol.PacketLevelFinalize{Width: m.Width(), Length: m.Length(), Height: m.Height()}
	if err := finalize.Write(&out); err != nil {
		return err
	}

	self := protocol.PacketSpawnPlayer{PlayerID: protocol.SelfID, Name: name, Position: wirePosition(pos)}
	if err := self.Write(&out); err != nil {
		return err
	}
	return sess.sendNow(out.Bytes())
}

func spawnPosition(c block.Coord) player.Position {
	return player.Position{X: c.X*32 + 16, Y: c.Y*32 + 16, H: c.H*32 + 51}
}

func wirePosition(p player.Position) protocol.Position {
	return protocol.Position{X: int16(p.X), Y: int16(p.Y), H: int16(p.H), Yaw: p.Yaw, Pitch: p.Pitch}
}

func spawnPacket(p *player.Player) *protocol.PacketSpawnPlayer {
	return &protocol.PacketSpawnPlayer{PlayerID: p.ID, Name: p.ClassyName(), Position: wirePosition(p.Position())}
}

// sendTo writes a raw packet to a networked player. Other kinds of session
// only understand the calls in player.Session.
func (s *Server) sendTo(p *player.Player, pkt packet) {
	if sess, ok := p.Session().(*session); ok {
		_ = sess.send(pkt)
	}
}

func (s *Server) removePlayer(p *player.Player) {
	if cur, ok := s.players.Get(p.ID); !ok || cur != p {
		return
	}
	s.players.Remove(p.ID)
	delete(s.confirmations, p)

	despawn := &protocol.PacketDespawnPlayer{PlayerID: p.ID}
	for _, other := range s.players.GetAll() {
		s.sendTo(other, despawn)
	}

	stats := p.Stats()
	if sess, ok := p.Session().(*session); ok {
		s.db.RecordLogout(sess.record, p.Name(), playerdb.Totals{
			BlocksPlaced:    stats.BlocksPlaced,
			BlocksDeleted:   stats.BlocksDeleted,
			MessagesWritten: stats.MessagesWritten,
		}, s.now())
	}

	s.broadcastVisible(p, fmt.Sprintf("%s&e left the server.", p.ClassyName()))
	s.logger.Info("player left", "player", p.Name(), "id", p.ID,
		"placed", stats.BlocksPlaced, "deleted", stats.BlocksDeleted)
	s.callbacks.OnPlayerDisconnected(p)
}

func (s *Server) handleSetBlock(p *player.Player, data []byte) {
	var pkt protocol.PacketSetBlockClient
	if err := pkt.Read(data); err != nil {
		return
	}
	p.Touch(s.now())
	outcome := s.authorizer.PlaceBlock(p, pkt.Coord, pkt.Type, pkt.Mode == protocol.BlockModeBuild)
	if outcome.Stage == placement.StageIgnored {
		s.logger.Debug("ignored block edit", "player", p.Name(), "coord", pkt.Coord.String(), "block", pkt.Type)
	}
}

func (s *Server) handleMove(p *player.Player, data []byte) {
	var pkt protocol.PacketTeleport
	if err := pkt.Read(data); err != nil {
		return
	}

	cur := p.Position()
	if p.IsFrozen() {
		s.sendTo(p, &protocol.PacketTeleport{PlayerID: protocol.SelfID, Position: wirePosition(cur)})
		return
	}

	next := player.Position{
		X: int(pkt.Position.X), Y: int(pkt.Position.Y), H: int(pkt.Position.H),
		Yaw: pkt.Position.Yaw, Pitch: pkt.Position.Pitch,
	}
	if next == cur {
		return
	}
	if next.X != cur.X || next.Y != cur.Y || next.H != cur.H {
		p.Touch(s.now())
	}
	p.SetPosition(next)

	move := &protocol.PacketTeleport{PlayerID: p.ID, Position: pkt.Position}
	for _, other := range s.players.GetAll() {
		if other != p && other.CanSee(p) {
			s.sendTo(other, move)
		}
	}
}

// onBlockApplied runs on the world consumer for every applied mutation.
func (s *Server) onBlockApplied(w *world.World, m world.Mutation, old block.Type) {
	for _, p := range s.players.GetAll() {
		if p.World() != w {
			continue
		}
		if m.Predicted && strings.EqualFold(p.Name(), m.Actor) {
			continue
		}
		p.SendBlock(m.Coord, m.Type)
	}

	s.callbacks.OnBlockChanged(w, m, old)

	err := s.journal.Append(blocklog.Entry{
		Time:  s.now(),
		World: w.Name(),
		Actor: m.Actor,
		X:     m.Coord.X,
		Y:     m.Coord.Y,
		H:     m.Coord.H,
		Old:   old,
		New:   m.Type,
	})
	if err != nil {
		s.logger.Warn("failed to journal block change", "coord", m.Coord.String(), "error", err)
	}
}

// KickPlayer disconnects p on behalf of the server and announces it.
func (s *Server) KickPlayer(p *player.Player, reason, announcement string) {
	s.kick(p, "", reason, announcement)
}

// kick does nothing for a player who is already on the way out.
func (s *Server) kick(p *player.Player, actor, reason, announcement string) {
	if sess, ok := p.Session().(interface{ Kicked() bool }); ok && sess.Kicked() {
		return
	}

	s.logger.Info("player kicked", "player", p.Name(), "by", actor, "reason", reason)
	_ = p.Kick(reason)
	s.db.RecordKick(p.Name(), actor, reason, s.now())
	if announcement != "" {
		s.Broadcast("%s", announcement)
	}
}

func (s *Server) HeartbeatStatus() heartbeat.Status {
	return heartbeat.Status{
		Name:       s.config.Server.Name,
		Port:       s.config.Server.Port,
		Players:    s.players.Count(),
		MaxPlayers: s.config.Server.MaxPlayers,
		Public:     s.config.Server.Public,
	}
}

// HeartbeatSalt is the key used to verify player names.
func (s *Server) HeartbeatSalt() string {
	return s.heartbeat.Salt()
}
