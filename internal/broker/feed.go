package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantrail/controlplane/internal/domain"
)

// Feed is a websocket client for the broker's market-data push feed. It
// decodes frames into domain.Tick values and delivers them on Ticks.
// LastMessageAt lets the market monitor run its data-silence heuristic
// without reaching into connection internals.
type Feed struct {
	Name string
	URL  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	Ticks chan domain.Tick

	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	lastMsg time.Time
}

// NewFeed creates a feed client for the given websocket URL.
func NewFeed(name, url string, logger *slog.Logger) *Feed {
	return &Feed{
		Name:         name,
		URL:          url,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		Ticks:        make(chan domain.Tick, 1024),
		logger:       logger,
	}
}

// tickFrame is the broker's wire format for a market-data update. Prices
// are dollars on the wire; zero values mean the field was absent.
type tickFrame struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    int64   `json:"volume"`
	Timestamp string  `json:"ts"`
}

// Run connects and pumps ticks until ctx is cancelled, reconnecting with a
// short delay after connection loss.
func (f *Feed) Run(ctx context.Context) {
	for {
		if err := f.dial(); err != nil {
			f.logger.Warn("feed dial failed",
				slog.String("feed", f.Name),
				slog.String("error", err.Error()),
			)
		} else {
			f.readPump(ctx)
		}

		select {
		case <-ctx.Done():
			f.close()
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// LastMessageAt returns the arrival time of the most recent frame.
func (f *Feed) LastMessageAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMsg
}

func (f *Feed) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.URL, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.logger.Info("feed connected", slog.String("feed", f.Name), slog.String("url", f.URL))
	return nil
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

// readPump reads frames until the connection drops or ctx is cancelled.
// A ping goroutine keeps the connection alive; pongs extend the read
// deadline.
func (f *Feed) readPump(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(f.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(f.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			f.logger.Warn("feed read error",
				slog.String("feed", f.Name),
				slog.String("error", err.Error()),
			)
			_ = conn.Close()
			return
		}

		f.mu.Lock()
		f.lastMsg = time.Now()
		f.mu.Unlock()

		tick, err := decodeTick(f.Name, message)
		if err != nil {
			f.logger.Debug("feed frame dropped",
				slog.String("feed", f.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case f.Ticks <- tick:
		default:
			// Consumer is behind; dropping the oldest-style backpressure
			// is not worth it for ticks, drop the new frame instead.
			f.logger.Warn("feed buffer full, tick dropped", slog.String("feed", f.Name))
		}
	}
}

// decodeTick converts a wire frame into a domain.Tick. Missing prices map
// to zero; the data-quality monitor decides whether that makes the tick
// unusable.
func decodeTick(feed string, raw []byte) (domain.Tick, error) {
	var frame tickFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return domain.Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	if frame.Symbol == "" {
		return domain.Tick{}, fmt.Errorf("decode tick: missing symbol")
	}

	tick := domain.Tick{
		Feed:   feed,
		Symbol: frame.Symbol,
		Volume: frame.Volume,
	}
	var err error
	if tick.Bid, err = priceToCents(frame.Bid); err != nil {
		return domain.Tick{}, err
	}
	if tick.Ask, err = priceToCents(frame.Ask); err != nil {
		return domain.Tick{}, err
	}
	if tick.Last, err = priceToCents(frame.Last); err != nil {
		return domain.Tick{}, err
	}
	if frame.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
		if err != nil {
			return domain.Tick{}, fmt.Errorf("decode tick: bad ts %q: %w", frame.Timestamp, err)
		}
		tick.Timestamp = t
	}
	return tick, nil
}

func priceToCents(dollars float64) (int64, error) {
	if dollars == 0 {
		return 0, nil
	}
	cents, err := domain.DollarsToCents(dollars)
	if err != nil {
		// Feeds quote finer than cents; round rather than reject.
		return int64(dollars*100 + 0.5), nil
	}
	return cents, nil
}
