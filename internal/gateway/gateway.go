package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Fanout routes every published event to all registered adapters.
// Delivery is best effort: one failing adapter never blocks the rest.
type Fanout struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewFanout creates an empty fanout.
func NewFanout(logger *zap.Logger) *Fanout {
	return &Fanout{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds an adapter.
func (f *Fanout) Register(adapter Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[adapter.Name()] = adapter
	f.logger.Info("registered gateway adapter", zap.String("adapter", adapter.Name()))
}

// ConnectAll starts every registered adapter. A failed connect drops
// the adapter and continues.
func (f *Fanout) ConnectAll(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, adapter := range f.adapters {
		if err := adapter.Connect(ctx); err != nil {
			f.logger.Error("adapter connect failed", zap.String("adapter", name), zap.Error(err))
			delete(f.adapters, name)
			continue
		}
		f.logger.Info("adapter connected", zap.String("adapter", name))
	}
}

// Publish delivers one event to every adapter.
func (f *Fanout) Publish(ctx context.Context, kind string, payload map[string]any) {
	event := &Event{Kind: kind, Payload: payload}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for name, adapter := range f.adapters {
		if err := adapter.Deliver(ctx, event); err != nil {
			f.logger.Warn("adapter delivery failed",
				zap.String("adapter", name), zap.String("kind", kind), zap.Error(err))
		}
	}
}

// Close shuts down every adapter.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, adapter := range f.adapters {
		if err := adapter.Close(); err != nil {
			f.logger.Error("adapter close failed", zap.String("adapter", name), zap.Error(err))
		}
	}
}
