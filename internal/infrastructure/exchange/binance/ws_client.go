package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	SourceStream = "binance_ws"
	exchangeName = "BINANCE"

	// 超过该时长未收到推送视为无价格，交给下一个来源
	defaultMaxTickAge = 15 * time.Second
)

// StreamSource miniTicker 推送流缓存最新价
type StreamSource struct {
	wsURL  string
	maxAge time.Duration

	mu     sync.RWMutex
	latest map[string]port.Tick

	cancel context.CancelFunc
	done   chan struct{}
}

type binanceCombined struct {
	Stream string         `json:"stream"`
	Data   binanceMiniMsg `json:"data"`
}
type binanceMiniMsg struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

// NewStreamSource 立即在后台建立连接，Close 停止
func NewStreamSource(wsBase string, symbols []string) (*StreamSource, error) {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if sym := symbolConverter.Coin2Symbol(s); sym != "" {
			normalized = append(normalized, sym)
		}
	}
	wsURL, err := buildCombinedURL(strings.TrimSpace(wsBase), normalized)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamSource{
		wsURL:  wsURL,
		maxAge: defaultMaxTickAge,
		latest: make(map[string]port.Tick),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func (s *StreamSource) Name() string { return SourceStream }

// FetchPrice 只读缓存，不发起网络请求
func (s *StreamSource) FetchPrice(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = symbolConverter.Coin2Symbol(symbol)
	s.mu.RLock()
	tick, ok := s.latest[symbol]
	s.mu.RUnlock()

	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no stream tick for %s", model.ErrPriceUnavailable, symbol)
	}
	ts := time.UnixMilli(tick.Ts)
	if age := time.Since(ts); age > s.maxAge {
		return model.Quote{}, fmt.Errorf("%w: stream tick for %s is %s old", model.ErrPriceUnavailable, symbol, age.Truncate(time.Second))
	}
	return model.Quote{
		Symbol:    tick.Symbol,
		Price:     tick.PriceNum,
		Timestamp: ts,
		Source:    SourceStream,
	}, nil
}

// Close 断开连接并等待后台 goroutine 退出
func (s *StreamSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func buildCombinedURL(base string, symbols []string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_base empty")
	}
	if len(symbols) == 0 {
		return "", errors.New("symbols empty")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams, fmt.Sprintf("%s@miniTicker", s))
	}
	if len(streams) == 0 {
		return "", errors.New("no valid symbols")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

func (s *StreamSource) run(ctx context.Context) {
	defer close(s.done)

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Debug().Str("source", SourceStream).Str("url", s.wsURL).Msg("ws connecting")
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, s.wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Str("source", SourceStream).Err(err).Msg("ws dial failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Str("source", SourceStream).Msg("ws connected")

		err = readLoop(ctx, conn, s.handle)

		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		log.Warn().Str("source", SourceStream).Err(err).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (s *StreamSource) handle(b []byte) {
	var msg binanceCombined
	if e := json.Unmarshal(b, &msg); e != nil {
		log.Error().Str("source", SourceStream).Err(e).Msg("json unmarshal failed")
		return
	}
	sym := strings.ToUpper(msg.Data.Symbol)
	pxs := strings.TrimSpace(msg.Data.Close)
	if sym == "" || pxs == "" {
		return
	}
	pxn, err := strconv.ParseFloat(pxs, 64)
	if err != nil || pxn <= 0 {
		return
	}

	s.mu.Lock()
	s.latest[sym] = port.Tick{
		Exchange: exchangeName,
		Symbol:   sym,
		PriceStr: pxs,
		PriceNum: pxn,
		Ts:       time.Now().UnixMilli(),
	}
	s.mu.Unlock()
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ port.PriceSource = (*StreamSource)(nil)
