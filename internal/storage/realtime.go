package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"agent-chat/internal/model"
	"agent-chat/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	pgChanges    = "postgres_changes"

	joinTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// phxMessage Phoenix channel 帧（vsn 1.0.0，JSON 对象）
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type pgChangeConfig struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		Broadcast struct {
			Self bool `json:"self"`
		} `json:"broadcast"`
		Presence struct {
			Key string `json:"key"`
		} `json:"presence"`
		PostgresChanges []pgChangeConfig `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type pgChangePayload struct {
	Data struct {
		Type   string          `json:"type"`
		Schema string          `json:"schema"`
		Table  string          `json:"table"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

type realtimeOptions struct {
	url       string
	token     func() string
	schema    string
	table     string
	filter    Filter
	heartbeat time.Duration
	// retryMin 断线后首次重连的等待时间，之后翻倍，最多 retryMax
	retryMin time.Duration
	retryMax time.Duration
	handler  Handler
	onClose  func(*realtimeSubscription)
}

// realtimeSubscription 一个订阅占用一条 websocket 连接，断线后自动重连并重新加入频道
type realtimeSubscription struct {
	topic string
	opts  realtimeOptions
	ref   atomic.Uint64

	writeMu sync.Mutex
	conn    *websocket.Conn // writeMu 保护
	joins   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	stop   chan struct{}
	wg     sync.WaitGroup
}

func dialRealtime(ctx context.Context, opts realtimeOptions) (*realtimeSubscription, error) {
	if opts.retryMin <= 0 {
		opts.retryMin = time.Second
	}
	if opts.retryMax < opts.retryMin {
		opts.retryMax = 30 * time.Second
	}
	if opts.token == nil {
		opts.token = func() string { return "" }
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &realtimeSubscription{
		topic:  "realtime:" + opts.table + ":" + opts.filter.SessionID,
		opts:   opts,
		ctx:    runCtx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}

	conn, err := sub.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	sub.wg.Add(1)
	go sub.run(conn)
	return sub, nil
}

// connect 建立连接并等待 phx_join 成功
func (s *realtimeSubscription) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.opts.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	if err := s.join(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	s.joins.Add(1)
	return conn, nil
}

func (s *realtimeSubscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *realtimeSubscription) join(ctx context.Context, conn *websocket.Conn) error {
	var payload joinPayload
	change := pgChangeConfig{Event: "INSERT", Schema: s.opts.schema, Table: s.opts.table}
	if s.opts.filter.SessionID != "" {
		change.Filter = "session_id=eq." + s.opts.filter.SessionID
	}
	payload.Config.PostgresChanges = []pgChangeConfig{change}
	payload.AccessToken = s.opts.token()

	ref := s.nextRef()
	if err := s.write(conn, s.topic, phxJoin, payload, ref); err != nil {
		return fmt.Errorf("join realtime channel: %w", err)
	}

	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await realtime join: %w", err)
		}
		if msg.Event != phxReply || msg.Ref != ref {
			continue
		}
		var reply phxReplyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			return &APIError{Status: 0, Message: "realtime join rejected: " + string(reply.Response), Kind: ErrUnauthorized}
		}
		return nil
	}
}

func (s *realtimeSubscription) write(conn *websocket.Conn, topic, event string, payload any, ref string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := phxMessage{Topic: topic, Event: event, Payload: data, Ref: ref}
	if topic == s.topic {
		msg.JoinRef = "1"
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// run 处理当前连接，连接结束后按退避间隔重连，直到 Close
func (s *realtimeSubscription) run(conn *websocket.Conn) {
	defer s.wg.Done()
	for conn != nil {
		s.serve(conn)
		conn = s.reconnect()
	}
}

func (s *realtimeSubscription) serve(conn *websocket.Conn) {
	s.writeMu.Lock()
	select {
	case <-s.stop:
		s.writeMu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conn = conn
	s.writeMu.Unlock()

	done := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		s.heartbeatLoop(conn, done)
	}()

	s.readLoop(conn)
	close(done)
	hb.Wait()

	s.writeMu.Lock()
	s.conn = nil
	s.writeMu.Unlock()
	conn.Close()
}

func (s *realtimeSubscription) reconnect() *websocket.Conn {
	delay := s.opts.retryMin
	for {
		select {
		case <-s.stop:
			return nil
		case <-time.After(delay):
		}

		conn, err := s.connect(s.ctx)
		if err == nil {
			logger.Infof("Realtime channel %s rejoined", s.topic)
			return conn
		}
		select {
		case <-s.stop:
			return nil
		default:
		}
		logger.Warnf("Realtime reconnect for %s failed: %v", s.topic, err)

		delay *= 2
		if delay > s.opts.retryMax {
			delay = s.opts.retryMax
		}
	}
}

func (s *realtimeSubscription) readLoop(conn *websocket.Conn) {
	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.stop:
			default:
				logger.Warnf("Realtime connection for %s closed: %v", s.topic, err)
			}
			return
		}
		if msg.Topic != s.topic {
			continue
		}

		switch msg.Event {
		case pgChanges:
			s.dispatch(msg.Payload)
		case phxError, phxClose:
			logger.Warnf("Realtime channel %s ended with %s", s.topic, msg.Event)
			return
		}
	}
}

func (s *realtimeSubscription) dispatch(raw json.RawMessage) {
	var change pgChangePayload
	if err := json.Unmarshal(raw, &change); err != nil {
		logger.Warnf("Failed to decode realtime change: %v", err)
		return
	}
	if change.Data.Type != "INSERT" {
		return
	}
	msg, err := model.DecodeRow(change.Data.Record)
	if err != nil {
		logger.Warnf("Dropping invalid realtime record: %v", err)
		return
	}
	if !s.opts.filter.Match(msg) {
		return
	}
	s.opts.handler(msg)
}

// heartbeatLoop 心跳失败时关闭连接，让 readLoop 退出并触发重连
func (s *realtimeSubscription) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(conn, "phoenix", phxHeartbeat, struct{}{}, s.nextRef()); err != nil {
				logger.Warnf("Realtime heartbeat failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// Joins 成功加入频道的次数，包括重连
func (s *realtimeSubscription) Joins() uint64 {
	return s.joins.Load()
}

func (s *realtimeSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.cancel()

		s.writeMu.Lock()
		conn := s.conn
		s.writeMu.Unlock()

		if conn != nil {
			if sendErr := s.write(conn, s.topic, phxLeave, struct{}{}, s.nextRef()); sendErr != nil && !errors.Is(sendErr, websocket.ErrCloseSent) {
				logger.Debugf("Failed to leave realtime channel %s: %v", s.topic, sendErr)
			}
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			err = conn.Close()
		}
		s.wg.Wait()
		if s.opts.onClose != nil {
			s.opts.onClose(s)
		}
	})
	return err
}
