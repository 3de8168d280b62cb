package rules

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"
)

// registerAgentModule installs the "agent" table into a script VM.
//
//	agent.on("cloud_message", function(event) ... end)
//	agent.log("text")
//	agent.identify()
//	agent.send({ temperature = 21.5 })
func registerAgentModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		eventType := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("rule log", "msg", L.CheckString(1))
		return 0
	}))

	mod.RawSetString("identify", L.NewFunction(func(L *lua.LState) int {
		if e.actions != nil {
			e.actions.Identify()
		}
		return 0
	}))

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		if e.actions == nil {
			return 0
		}
		payload, err := json.Marshal(luaToGo(L.CheckAny(1)))
		if err != nil {
			L.RaiseError("agent.send: %v", err)
			return 0
		}
		if err := e.actions.SendMessage(payload); err != nil {
			e.logger.Warn("rule send", "err", err)
		}
		return 0
	}))

	L.SetGlobal("agent", mod)
}
