package lua

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Shopify/go-lua"
)

// VM wraps one Lua state. Every entry into the state holds mu; Go functions
// called from Lua run with mu held and must use Defer for anything that can
// re-enter the VM.
type VM struct {
	mu    sync.Mutex
	state *lua.State
	after []func()

	timers    map[int]*Timer
	timerID   int
	timerLock sync.Mutex
}

type Timer struct {
	ID       int
	Callback string
	Interval time.Duration
	Repeat   bool
	NextRun  time.Time
	Args     []interface{}
}

func NewVM() *VM {
	state := lua.NewState()
	openSafeLibraries(state)
	return &VM{
		state:  state,
		timers: make(map[int]*Timer),
	}
}

func openSafeLibraries(state *lua.State) {
	lua.OpenLibraries(state)

	for _, name := range []string{"io", "os", "debug", "dofile", "loadfile", "require", "package"} {
		state.PushNil()
		state.SetGlobal(name)
	}
}

// locked runs fn with the state locked, then runs deferred actions.
func (vm *VM) locked(fn func() error) error {
	vm.mu.Lock()
	err := fn()
	after := vm.after
	vm.after = nil
	vm.mu.Unlock()

	for _, f := range after {
		f()
	}
	return err
}

// Defer queues fn to run once the current call into Lua has returned.
func (vm *VM) Defer(fn func()) {
	vm.after = append(vm.after, fn)
}

func (vm *VM) LoadFile(path string) error {
	return vm.locked(func() error {
		if err := lua.DoFile(vm.state, path); err != nil {
			return fmt.Errorf("failed to load lua file %s: %w", path, err)
		}
		return nil
	})
}

func (vm *VM) LoadString(code string) error {
	return vm.locked(func() error {
		if err := lua.DoString(vm.state, code); err != nil {
			return fmt.Errorf("failed to load lua string: %w", err)
		}
		return nil
	})
}

func (vm *VM) Close() {
	vm.timerLock.Lock()
	vm.timers = make(map[int]*Timer)
	vm.timerLock.Unlock()
}

func (vm *VM) RegisterTimer(callback string, interval time.Duration, repeat bool, args ...interface{}) int {
	vm.timerLock.Lock()
	defer vm.timerLock.Unlock()

	vm.timerID++
	timer := &Timer{
		ID:       vm.timerID,
		Callback: callback,
		Interval: interval,
		Repeat:   repeat,
		NextRun:  time.Now().Add(interval),
		Args:     args,
	}

	vm.timers[timer.ID] = timer
	return timer.ID
}

func (vm *VM) CancelTimer(id int) bool {
	vm.timerLock.Lock()
	defer vm.timerLock.Unlock()

	_, ok := vm.timers[id]
	delete(vm.timers, id)
	return ok
}

func (vm *VM) UpdateTimers(now time.Time) error {
	vm.timerLock.Lock()
	var toExecute []*Timer
	var toRemove []int

	for _, timer := range vm.timers {
		if !now.Before(timer.NextRun) {
			toExecute = append(toExecute, timer)
			if timer.Repeat {
				timer.NextRun = now.Add(timer.Interval)
			} else {
				toRemove = append(toRemove, timer.ID)
			}
		}
	}

	for _, id := range toRemove {
		delete(vm.timers, id)
	}
	vm.timerLock.Unlock()

	for _, timer := range toExecute {
		if err := vm.CallFunction(timer.Callback, timer.Args...); err != nil {
			return fmt.Errorf("timer callback %s failed: %w", timer.Callback, err)
		}
	}

	return nil
}

func (vm *VM) GetGlobalString(name string) (string, error) {
	var value string
	err := vm.locked(func() error {
		vm.state.Global(name)
		defer vm.state.Pop(1)
		if !vm.state.IsString(-1) {
			return fmt.Errorf("global %s is not a string", name)
		}
		value, _ = vm.state.ToString(-1)
		return nil
	})
	return value, err
}

func (vm *VM) pushArgs(args []interface{}) error {
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			vm.state.PushString(v)
		case int:
			vm.state.PushInteger(v)
		case float64:
			vm.state.PushNumber(v)
		case bool:
			vm.state.PushBoolean(v)
		default:
			vm.state.Pop(i + 1)
			return fmt.Errorf("unsupported argument type: %T", arg)
		}
	}
	return nil
}

func (vm *VM) CallFunction(name string, args ...interface{}) error {
	_, err := vm.CallFunctionWithReturn(name, 0, args...)
	return err
}

func (vm *VM) enhanceError(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[Lua Error] %s: %w", context, err)
}

func (vm *VM) CallFunctionWithReturn(name string, numReturns int, args ...interface{}) ([]interface{}, error) {
	var results []interface{}
	err := vm.locked(func() error {
		vm.state.Global(name)
		if !vm.state.IsFunction(-1) {
			vm.state.Pop(1)
			return fmt.Errorf("global %s is not a function", name)
		}

		if err := vm.pushArgs(args); err != nil {
			return err
		}

		if err := vm.state.ProtectedCall(len(args), numReturns, 0); err != nil {
			vm.state.Pop(1)
			return vm.enhanceError(fmt.Sprintf("function %s", name), err)
		}

		results = make([]interface{}, numReturns)
		for i := 0; i < numReturns; i++ {
			idx := -numReturns + i
			switch vm.state.TypeOf(idx) {
			case lua.TypeBoolean:
				results[i] = vm.state.ToBoolean(idx)
			case lua.TypeNumber:
				value, _ := vm.state.ToNumber(idx)
				results[i] = value
			case lua.TypeString:
				value, _ := vm.state.ToString(idx)
				results[i] = value
			default:
				results[i] = nil
			}
		}
		vm.state.Pop(numReturns)
		return nil
	})
	return results, err
}

func (vm *VM) HasFunction(name string) bool {
	var isFunc bool
	_ = vm.locked(func() error {
		vm.state.Global(name)
		isFunc = vm.state.IsFunction(-1)
		vm.state.Pop(1)
		return nil
	})
	return isFunc
}

func (vm *VM) RegisterFunction(name string, fn lua.Function) {
	_ = vm.locked(func() error {
		vm.state.Register(name, fn)
		return nil
	})
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
