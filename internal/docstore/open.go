package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Config は文書ストアへの接続設定。
type Config struct {
	Driver   string // mongodb, postgres, memory
	URI      string
	Database string
}

// OpenFunc はドライバの接続関数。
type OpenFunc func(ctx context.Context, cfg Config) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]OpenFunc{}
)

// Register はドライバを名前付きで登録する。
// 同じ名前で二重に登録した場合や fn が nil の場合は panic する。
func Register(name string, fn OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if fn == nil {
		panic("docstore: Register open func is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("docstore: Register called twice for driver " + name)
	}
	drivers[name] = fn
}

// Drivers は登録済みのドライバ名をソートして返す。
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	handleMu sync.Mutex
	handle   Store
)

// Open はプロセス共通の文書ストアを返す。
// 初回呼び出しでドライバに接続し、以降の呼び出しでは同じハンドルを返す。
// 2回目以降の cfg は無視される。
func Open(ctx context.Context, cfg Config) (Store, error) {
	handleMu.Lock()
	defer handleMu.Unlock()

	if handle != nil {
		return handle, nil
	}

	driversMu.RLock()
	fn, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("docstore: unknown driver %q (registered: %v)", cfg.Driver, Drivers())
	}

	s, err := fn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s document store: %w", cfg.Driver, err)
	}

	slog.Debug("document store opened",
		slog.String("driver", cfg.Driver),
		slog.String("database", cfg.Database),
	)

	handle = s
	return handle, nil
}

// Close はプロセス共通のハンドルを閉じ、次の Open で再接続できる状態に戻す。
func Close(ctx context.Context) error {
	handleMu.Lock()
	defer handleMu.Unlock()

	if handle == nil {
		return nil
	}
	err := handle.Close(ctx)
	handle = nil
	return err
}
