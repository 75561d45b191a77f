package aitrader

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// DefaultSymbols are the simulated markets with their opening prices.
var DefaultSymbols = map[string]float64{
	"BTC-USDT": 65000,
	"ETH-USDT": 3200,
	"TON-USDT": 6.5,
	"SOL-USDT": 150,
}

// Feed is a geometric random-walk price generator. It is the only
// market the trading game knows about.
type Feed struct {
	mu         sync.RWMutex
	prices     map[string]float64
	volatility float64
	interval   time.Duration
	rng        *rand.Rand
	hub        *Hub
	stop       chan struct{}
}

// NewFeed creates a feed over the given symbols. A nil symbol map uses
// DefaultSymbols.
func NewFeed(symbols map[string]float64, interval time.Duration) *Feed {
	if symbols == nil {
		symbols = DefaultSymbols
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	prices := make(map[string]float64, len(symbols))
	for sym, p := range symbols {
		prices[sym] = p
	}
	return &Feed{
		prices:     prices,
		volatility: 0.002,
		interval:   interval,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:       make(chan struct{}),
	}
}

// WithHub attaches the streaming hub so every tick is broadcast.
func (f *Feed) WithHub(hub *Hub) *Feed {
	f.hub = hub
	return f
}

// Price returns the current price for a symbol.
func (f *Feed) Price(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	return p, ok
}

// Prices returns a snapshot of all current prices.
func (f *Feed) Prices() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64, len(f.prices))
	for sym, p := range f.prices {
		out[sym] = p
	}
	return out
}

// Run advances the walk until the context ends. Call in a goroutine.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			f.Step()
		}
	}
}

// Stop signals the feed to stop.
func (f *Feed) Stop() {
	select {
	case f.stop <- struct{}{}:
	default:
	}
}

// Step advances every symbol one tick. Exposed so tests can drive the
// walk deterministically.
func (f *Feed) Step() {
	now := time.Now()

	f.mu.Lock()
	ticks := make([]Tick, 0, len(f.prices))
	for sym, p := range f.prices {
		next := p * (1 + f.rng.NormFloat64()*f.volatility)
		// Keep the walk strictly positive.
		if next < p*0.01 {
			next = p * 0.01
		}
		f.prices[sym] = next
		ticks = append(ticks, Tick{Symbol: sym, Price: next, At: now})
	}
	f.mu.Unlock()

	if f.hub != nil {
		for _, t := range ticks {
			f.hub.BroadcastTick(t)
		}
	}
}

// SetPrice overrides a symbol's price. Test hook.
func (f *Feed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

// Tick is one price observation.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	At     time.Time `json:"at"`
}
