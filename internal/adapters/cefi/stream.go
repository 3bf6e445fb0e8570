package cefi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ecaradonna/stableyield/internal/adapters"
	"github.com/ecaradonna/stableyield/internal/domain"
)

// Reconnection constants, mirroring the teacher's
// internal/clients/tradernet/websocket_client.go reconnect loop.
const (
	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 1 * time.Minute
	cacheStaleAfter    = 5 * time.Second
)

type tickMessage struct {
	Symbol       string  `json:"symbol"`
	PriceUSD     float64 `json:"price_usd"`
	Volume24hUSD float64 `json:"volume_24h_usd"`
}

// PriceStream maintains a long-lived WebSocket subscription to a venue's
// live ticker feed, caching the latest tick per symbol. It reconnects with
// exponential backoff on disconnect, the same shape as the teacher's
// MarketStatusWebSocket.
type PriceStream struct {
	url      string
	sourceID string
	log      zerolog.Logger

	mu         sync.RWMutex
	cache      map[string]domain.PriceTick
	lastUpdate time.Time

	startOnce sync.Once
}

// NewPriceStream creates a PriceStream. run starts the reconnect loop; it is
// started lazily from Snapshot on first use so an adapter configured
// without WSURL never opens a connection.
func NewPriceStream(url, sourceID string, log zerolog.Logger) *PriceStream {
	return &PriceStream{
		url:      url,
		sourceID: sourceID,
		log:      log.With().Str("component", "cefi_price_stream").Logger(),
		cache:    make(map[string]domain.PriceTick),
	}
}

// Snapshot returns the requested symbols' cached ticks if the cache was
// updated within cacheStaleAfter; ok is false when the cache is stale or
// empty, signaling the caller to fall back to a REST poll.
func (s *PriceStream) Snapshot(symbols []string) (map[string]domain.PriceTick, bool) {
	s.startOnce.Do(func() {
		go s.run(context.Background())
	})

	s.mu.RLock()
	defer s.mu.RUnlock()

	if time.Since(s.lastUpdate) > cacheStaleAfter || len(s.cache) == 0 {
		return nil, false
	}
	out := make(map[string]domain.PriceTick, len(symbols))
	for _, sym := range symbols {
		sym = adapters.NormalizeSymbol(sym)
		if t, ok := s.cache[sym]; ok {
			out[sym] = t
		}
	}
	return out, len(out) > 0
}

// run is the reconnect loop: dial, read until the connection drops, then
// back off before redialing. It returns only when ctx is cancelled.
func (s *PriceStream) run(ctx context.Context) {
	delay := baseReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil {
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("cefi price stream disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *PriceStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var msg tickMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		s.recordTick(msg)
	}
}

func (s *PriceStream) recordTick(msg tickMessage) {
	sym := adapters.NormalizeSymbol(msg.Symbol)
	tick := domain.PriceTick{
		Symbol:       sym,
		Venue:        s.sourceID,
		PriceUSD:     msg.PriceUSD,
		Volume24hUSD: msg.Volume24hUSD,
		ObservedAt:   time.Now(),
	}

	s.mu.Lock()
	s.cache[sym] = tick
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}
