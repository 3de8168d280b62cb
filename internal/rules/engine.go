// Package rules runs small Lua scripts that react to device events.
// Scripts let an installation respond locally, for example flashing
// the indicator on a devicebound message, without shipping a new
// application build.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"edge-agent/internal/state"
)

// handlerTimeout bounds a single Lua handler invocation. A rule that
// spins never blocks the VM's command loop past this.
const handlerTimeout = 5 * time.Second

// Actions is what scripts may do to the outside world.
type Actions interface {
	SendMessage(payload []byte) error
	Identify()
}

// luaEventHandler is a registered Lua callback for an event type.
type luaEventHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptVM is one running Lua VM. All Lua access goes through the
// commands channel; LState is not safe for concurrent use.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// Engine loads rule scripts and dispatches device events to them.
type Engine struct {
	bus     *state.EventBus
	actions Actions
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a rules engine bound to the device event bus.
func NewEngine(bus *state.EventBus, actions Actions, logger *slog.Logger) *Engine {
	return &Engine{
		bus:     bus,
		actions: actions,
		logger:  logger.With("component", "rules"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus. Scripts loaded before or after
// Start receive events from this point on.
func (e *Engine) Start() {
	e.unsub = e.bus.OnAll(func(event state.Event) {
		e.dispatchEvent(event)
	})
}

// Stop cancels all VMs and detaches from the bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	if e.unsub != nil {
		e.unsub()
	}
}

// LoadDir loads every .lua file in dir, sorted by name. A missing
// directory is not an error; most installations run without rules.
func (e *Engine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read rules dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".lua" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		code, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read rule %s: %w", name, err)
		}
		if err := e.LoadScript(name, string(code)); err != nil {
			e.logger.Error("load rule", "name", name, "err", err)
			continue
		}
		e.logger.Info("rule loaded", "name", name)
	}
	return nil
}

// LoadScript compiles and runs a script's top level, which registers
// its handlers. A script with the same id replaces the old one.
func (e *Engine) LoadScript(id, code string) error {
	e.unloadScript(id)

	ctx, cancel := context.WithCancel(context.Background())
	L := lua.NewState()
	sandbox(L)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerAgentModule(L, vm, e)

	if err := L.DoString(code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute rule %s: %w", id, err)
	}

	e.mu.Lock()
	e.vms[id] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()
	return nil
}

func (e *Engine) unloadScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
	}
}

func sandbox(L *lua.LState) {
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
}

func (e *Engine) dispatchEvent(event state.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != event.Type {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event)
			}:
			default:
				e.logger.Warn("rule command channel full, dropping event")
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event state.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	eventTable := L.NewTable()
	eventTable.RawSetString("type", lua.LString(event.Type))
	switch data := event.Data.(type) {
	case map[string]interface{}:
		for k, v := range data {
			eventTable.RawSetString(k, goToLua(L, v))
		}
	case json.RawMessage:
		// Devicebound payloads arrive as raw JSON.
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err == nil {
			for k, v := range m {
				eventTable.RawSetString(k, goToLua(L, v))
			}
		} else {
			eventTable.RawSetString("payload", lua.LString(data))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// Array when only integer keys, map otherwise.
		m := make(map[string]interface{})
		arr := []interface{}{}
		isArray := true
		val.ForEach(func(k, vv lua.LValue) {
			if n, ok := k.(lua.LNumber); ok && float64(n) == float64(int(n)) {
				arr = append(arr, luaToGo(vv))
				return
			}
			isArray = false
			m[k.String()] = luaToGo(vv)
		})
		if isArray && len(m) == 0 {
			return arr
		}
		for i, vv := range arr {
			m[fmt.Sprintf("%d", i+1)] = vv
		}
		return m
	default:
		return nil
	}
}
