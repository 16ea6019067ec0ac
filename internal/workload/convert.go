package workload

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// jsonToLua decodes a JSON document into an LValue. An empty document
// becomes nil.
func jsonToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return lua.LNil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return goToLua(L, v), nil
}

// luaToJSON encodes an LValue as JSON.
func luaToJSON(v lua.LValue) (json.RawMessage, error) {
	return json.Marshal(luaToGo(v))
}

func goToLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case bool:
		return lua.LBool(v)
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

func luaToGo(val lua.LValue) any {
	switch v := val.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		return tableToGo(v)
	default:
		return nil
	}
}

// tableToGo converts an LTable to map[string]any, or to []any when its
// keys are exactly 1..n.
func tableToGo(tbl *lua.LTable) any {
	maxN := tbl.MaxN()
	isArray := maxN > 0
	if isArray {
		count := 0
		tbl.ForEach(func(_, _ lua.LValue) {
			count++
		})
		isArray = count == maxN
	}

	if isArray {
		arr := make([]any, 0, maxN)
		for i := 1; i <= maxN; i++ {
			arr = append(arr, luaToGo(tbl.RawGetInt(i)))
		}
		return arr
	}

	m := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		switch key := k.(type) {
		case lua.LString:
			m[string(key)] = luaToGo(v)
		case lua.LNumber:
			m[key.String()] = luaToGo(v)
		}
	})
	return m
}
