package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one task inside a worker process. Returning a nil value with a nil error means the
// work was attempted but produced nothing; returning an error is a handler failure.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// ErrUnknownHandler is returned when a worker is asked to load a handler nobody registered.
var ErrUnknownHandler = errors.New("worker: unknown handler")

var (
	registryMu sync.RWMutex
	registry   = map[string]Handler{}
)

// Register makes a handler loadable by name. It is meant to be called from init functions of the
// packages that implement handlers; registering the same name twice panics.
func Register(name string, h Handler) {
	if name == "" || h == nil {
		panic("worker: Register requires a name and a handler")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("worker: handler %q registered twice", name))
	}
	registry[name] = h
}

// Lookup returns the handler registered under name.
func Lookup(name string) (Handler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	return h, nil
}

// Handlers lists registered handler names in sorted order.
func Handlers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Arg decodes the i-th task argument into T.
func Arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i < 0 || i >= len(args) {
		return v, fmt.Errorf("argument %d missing (got %d)", i, len(args))
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("decode argument %d: %w", i, err)
	}
	return v, nil
}

// OptionalArg is like Arg but returns def when the argument is absent or null.
func OptionalArg[T any](args []json.RawMessage, i int, def T) (T, error) {
	if i >= len(args) || string(args[i]) == "null" {
		return def, nil
	}
	return Arg[T](args, i)
}
