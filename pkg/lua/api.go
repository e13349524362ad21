package lua

import (
	"log/slog"
	"math"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
)

// ServerInterface is what plugins may do to the running server.
type ServerInterface interface {
	ServerName() string
	PlayerCount() int
	PlayerNames() []string
	PlayerRank(name string) (string, bool)
	PlayerCan(name string, c rank.Capability) bool
	BroadcastMessage(message string)
	MessagePlayer(name, message string) bool
	KickPlayerByName(name, reason string) bool
	BlockAt(c block.Coord) (block.Type, bool)
}

type GameAPI struct {
	server   ServerInterface
	commands *CommandManager
	logger   *slog.Logger
}

func NewGameAPI(srv ServerInterface, commands *CommandManager, logger *slog.Logger) *GameAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &GameAPI{
		server:   srv,
		commands: commands,
		logger:   logger,
	}
}

// RegisterFunctions exposes the API to one plugin VM. The plugin name tags
// log lines and registered commands.
func (api *GameAPI) RegisterFunctions(vm *VM, plugin string) {
	funcs := map[string]lua.Function{
		"get_server_name":    api.getServerName,
		"get_server_time":    api.getServerTime,
		"get_player_count":   api.getPlayerCount,
		"get_players":        api.getPlayers,
		"get_player_rank":    api.getPlayerRank,
		"has_permission":     api.hasPermission,
		"get_block":          api.getBlock,
		"get_block_name":     api.getBlockName,
		"broadcast_chat":     api.broadcastChat,
		"send_chat":          api.sendChat,
		"kick_player":        func(l *lua.State) int { return api.kickPlayer(vm, l) },
		"schedule_callback":  func(l *lua.State) int { return api.scheduleCallback(vm, l) },
		"cancel_callback":    func(l *lua.State) int { return api.cancelCallback(vm, l) },
		"register_command":   func(l *lua.State) int { return api.registerCommand(vm, plugin, l) },
		"log":                func(l *lua.State) int { return api.log(plugin, l) },
		"distance_3d":        api.distance3D,
		"is_valid_position":  api.isValidPosition,
		"block_id":           api.blockID,
		"get_capabilities":   api.getCapabilityNames,
	}
	for name, fn := range funcs {
		vm.RegisterFunction(name, fn)
	}
}

func (api *GameAPI) getServerName(state *lua.State) int {
	state.PushString(api.server.ServerName())
	return 1
}

func (api *GameAPI) getServerTime(state *lua.State) int {
	state.PushNumber(float64(time.Now().UnixMilli()) / 1000)
	return 1
}

func (api *GameAPI) getPlayerCount(state *lua.State) int {
	state.PushInteger(api.server.PlayerCount())
	return 1
}

func (api *GameAPI) getPlayers(state *lua.State) int {
	state.NewTable()
	for i, name := range api.server.PlayerNames() {
		state.PushString(name)
		state.RawSetInt(-2, i+1)
	}
	return 1
}

func (api *GameAPI) getPlayerRank(state *lua.State) int {
	name := lua.CheckString(state, 1)
	r, ok := api.server.PlayerRank(name)
	if !ok {
		state.PushNil()
		return 1
	}
	state.PushString(r)
	return 1
}

func (api *GameAPI) hasPermission(state *lua.State) int {
	name := lua.CheckString(state, 1)
	c, err := rank.ParseCapability(lua.CheckString(state, 2))
	if err != nil {
		lua.Errorf(state, "%s", err.Error())
		return 0
	}
	state.PushBoolean(api.server.PlayerCan(name, c))
	return 1
}

func checkCoord(state *lua.State, first int) block.Coord {
	return block.Coord{
		X: lua.CheckInteger(state, first),
		Y: lua.CheckInteger(state, first+1),
		H: lua.CheckInteger(state, first+2),
	}
}

func (api *GameAPI) getBlock(state *lua.State) int {
	t, ok := api.server.BlockAt(checkCoord(state, 1))
	if !ok {
		state.PushInteger(-1)
		return 1
	}
	state.PushInteger(int(t))
	return 1
}

func (api *GameAPI) getBlockName(state *lua.State) int {
	id := lua.CheckInteger(state, 1)
	t := block.Type(id)
	if id < 0 || !t.Valid() {
		state.PushNil()
		return 1
	}
	state.PushString(t.String())
	return 1
}

func (api *GameAPI) blockID(state *lua.State) int {
	t, err := block.Parse(lua.CheckString(state, 1))
	if err != nil {
		state.PushNil()
		return 1
	}
	state.PushInteger(int(t))
	return 1
}

func (api *GameAPI) broadcastChat(state *lua.State) int {
	api.server.BroadcastMessage(lua.CheckString(state, 1))
	return 0
}

func (api *GameAPI) sendChat(state *lua.State) int {
	ok := api.server.MessagePlayer(lua.CheckString(state, 1), lua.CheckString(state, 2))
	state.PushBoolean(ok)
	return 1
}

// kick_player runs after the plugin call returns, since a kick fires the
// disconnect hooks of this same VM.
func (api *GameAPI) kickPlayer(vm *VM, state *lua.State) int {
	name := lua.CheckString(state, 1)
	reason := lua.OptString(state, 2, "Kicked by plugin")
	vm.Defer(func() {
		api.server.KickPlayerByName(name, reason)
	})
	return 0
}

func (api *GameAPI) scheduleCallback(vm *VM, state *lua.State) int {
	callback := lua.CheckString(state, 1)
	seconds := lua.CheckNumber(state, 2)
	repeat := state.ToBoolean(3)
	if seconds <= 0 {
		lua.ArgumentError(state, 2, "interval must be positive")
		return 0
	}
	id := vm.RegisterTimer(callback, time.Duration(seconds*float64(time.Second)), repeat)
	state.PushInteger(id)
	return 1
}

func (api *GameAPI) cancelCallback(vm *VM, state *lua.State) int {
	state.PushBoolean(vm.CancelTimer(lua.CheckInteger(state, 1)))
	return 1
}

func (api *GameAPI) registerCommand(vm *VM, plugin string, state *lua.State) int {
	cmd := &LuaCommand{
		Name:        lua.CheckString(state, 1),
		Handler:     lua.CheckString(state, 2),
		Description: lua.OptString(state, 4, ""),
		Usage:       lua.OptString(state, 5, ""),
		Plugin:      plugin,
		VM:          vm,
	}
	if perm := lua.OptString(state, 3, ""); perm != "" {
		c, err := rank.ParseCapability(perm)
		if err != nil {
			lua.Errorf(state, "%s", err.Error())
			return 0
		}
		cmd.Permission = c
		cmd.RequiresPermission = true
	}
	if api.commands == nil {
		state.PushBoolean(false)
		return 1
	}
	state.PushBoolean(api.commands.Register(cmd))
	return 1
}

func (api *GameAPI) log(plugin string, state *lua.State) int {
	api.logger.Info(lua.CheckString(state, 1), "plugin", plugin)
	return 0
}

func (api *GameAPI) distance3D(state *lua.State) int {
	x1 := lua.CheckNumber(state, 1)
	y1 := lua.CheckNumber(state, 2)
	h1 := lua.CheckNumber(state, 3)
	x2 := lua.CheckNumber(state, 4)
	y2 := lua.CheckNumber(state, 5)
	h2 := lua.CheckNumber(state, 6)
	dx, dy, dh := x2-x1, y2-y1, h2-h1
	state.PushNumber(math.Sqrt(dx*dx + dy*dy + dh*dh))
	return 1
}

func (api *GameAPI) isValidPosition(state *lua.State) int {
	_, ok := api.server.BlockAt(checkCoord(state, 1))
	state.PushBoolean(ok)
	return 1
}

func (api *GameAPI) getCapabilityNames(state *lua.State) int {
	state.NewTable()
	for i, c := range rank.AllCapabilities() {
		state.PushString(c.String())
		state.RawSetInt(-2, i+1)
	}
	return 1
}
