package workload

import (
	"strings"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// newSandboxedState creates an LState with only safe libraries loaded and
// the cmdq module registered. Dangerous modules (os, io, debug, package)
// and functions (dofile, loadfile, load) are omitted.
func newSandboxedState(logger zerolog.Logger) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = L.Get(i).String()
		}
		logger.Info().Msg(strings.Join(parts, "\t"))
		return 0
	}))

	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		luaLog(logger, L.CheckString(1), L.CheckString(2))
		return 0
	}))
	L.SetGlobal("cmdq", mod)

	return L
}

// luaLog backs cmdq.log(level, message).
func luaLog(logger zerolog.Logger, level, message string) {
	switch strings.ToLower(level) {
	case "debug":
		logger.Debug().Msg(message)
	case "warn":
		logger.Warn().Msg(message)
	case "error":
		logger.Error().Msg(message)
	default:
		logger.Info().Msg(message)
	}
}
