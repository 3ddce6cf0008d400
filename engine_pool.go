package bridge

import (
	"sync"

	"go.uber.org/zap"
)

// EnginePool recycles engines of one dialect. Pooled engines keep their
// global state, so they are only suitable for work that leaves none behind.
type EnginePool struct {
	engineType string
	opts       Options
	m          sync.Mutex
	saved      []Engine
}

func (ep *EnginePool) Get() (Engine, error) {
	ep.m.Lock()
	n := len(ep.saved)
	if n == 0 {
		ep.m.Unlock()
		Logger().Debug("engine pool grows", zap.String("dialect", ep.engineType))
		return ep.New()
	}
	x := ep.saved[n-1]
	ep.saved = ep.saved[0 : n-1]
	ep.m.Unlock()
	return x, nil
}

func (ep *EnginePool) Put(e Engine) {
	ep.m.Lock()
	defer ep.m.Unlock()
	ep.saved = append(ep.saved, e)
}

func (ep *EnginePool) Shutdown() {
	ep.m.Lock()
	defer ep.m.Unlock()
	for _, e := range ep.saved {
		e.Close()
	}
	ep.saved = nil
}

func (ep *EnginePool) New() (Engine, error) {
	return NewEngine(ep.engineType, ep.opts)
}

func InitEnginePool(engineType string, opts Options) *EnginePool {
	return &EnginePool{
		engineType: engineType,
		opts:       opts,
		saved:      make([]Engine, 0, 4),
	}
}
