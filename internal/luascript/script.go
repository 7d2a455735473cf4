// Package luascript names the Lua scripts the Redis store runs atomically.
package luascript

import (
	"context"

	"github.com/redis/rueidis"
)

// Script is a named Lua script. rueidis sends EVALSHA and falls back to EVAL
// on NOSCRIPT, so scripts need no explicit loading.
type Script struct {
	name string
	lua  *rueidis.Lua
}

// New compiles src under name.
func New(name, src string) *Script {
	return &Script{name: name, lua: rueidis.NewLuaScript(src)}
}

// Name identifies the script in errors.
func (s *Script) Name() string {
	return s.name
}

// Exec runs the script against keys with args.
func (s *Script) Exec(ctx context.Context, client rueidis.Client, keys, args []string) rueidis.RedisResult {
	return s.lua.Exec(ctx, client, keys, args)
}
