package lua

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/rank"
)

// LuaCommand is a chat command implemented by a plugin function. The handler
// receives the caller's name and a table of arguments and may return a reply.
type LuaCommand struct {
	Name               string
	Permission         rank.Capability
	RequiresPermission bool
	Description        string
	Usage              string
	Handler            string
	Plugin             string
	VM                 *VM
}

type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]*LuaCommand
	reserved map[string]bool
	logger   *slog.Logger
}

// NewCommandManager creates a manager that refuses to register any of the
// reserved (built-in) command names.
func NewCommandManager(reserved []string, logger *slog.Logger) *CommandManager {
	if logger == nil {
		logger = slog.Default()
	}
	cm := &CommandManager{
		commands: make(map[string]*LuaCommand),
		reserved: make(map[string]bool, len(reserved)),
		logger:   logger,
	}
	for _, name := range reserved {
		cm.reserved[strings.ToLower(name)] = true
	}
	return cm
}

// Register adds cmd unless its name is reserved or already taken.
func (cm *CommandManager) Register(cmd *LuaCommand) bool {
	name := strings.ToLower(cmd.Name)
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.reserved[name] {
		cm.logger.Warn("plugin tried to override a built-in command", "plugin", cmd.Plugin, "command", name)
		return false
	}
	if existing, ok := cm.commands[name]; ok {
		cm.logger.Warn("command already registered", "plugin", cmd.Plugin, "command", name, "owner", existing.Plugin)
		return false
	}
	cm.commands[name] = cmd
	return true
}

func (cm *CommandManager) Get(name string) *LuaCommand {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.commands[strings.ToLower(name)]
}

func (cm *CommandManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.commands = make(map[string]*LuaCommand)
}

func (cm *CommandManager) Execute(p *player.Player, cmdName string, args []string) (string, error) {
	cmd := cm.Get(cmdName)
	if cmd == nil {
		return "", fmt.Errorf("unknown command: %s", cmdName)
	}

	if !hasPermission(p, cmd) {
		return "", fmt.Errorf("you don't have permission to use this command")
	}

	callArgs := []interface{}{p.Name()}
	for _, arg := range args {
		callArgs = append(callArgs, arg)
	}

	results, err := cmd.VM.CallFunctionWithReturn(cmd.Handler, 1, callArgs...)
	if err != nil {
		return "", fmt.Errorf("command execution failed: %w", err)
	}

	result, _ := results[0].(string)
	return result, nil
}

// List returns the commands p may use, sorted by name.
func (cm *CommandManager) List(p *player.Player) []*LuaCommand {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var commands []*LuaCommand
	for _, cmd := range cm.commands {
		if hasPermission(p, cmd) {
			commands = append(commands, cmd)
		}
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands
}

func hasPermission(p *player.Player, cmd *LuaCommand) bool {
	if !cmd.RequiresPermission {
		return true
	}
	return p.Can(cmd.Permission)
}
