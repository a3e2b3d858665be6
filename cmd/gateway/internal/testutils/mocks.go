package testutils

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/journal"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/upstream"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

// Message is a decoded outbound envelope.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal     string
	UserIDVal string
	RawBytes  []string
	Pings     int
	Closed    bool
	FailSend  bool
	FailPing  bool
	Mu        sync.Mutex
}

func NewMockClient(id, userID string) *MockClient {
	return &MockClient{IDVal: id, UserIDVal: userID}
}

func (m *MockClient) ID() string     { return m.IDVal }
func (m *MockClient) UserID() string { return m.UserIDVal }

func (m *MockClient) Send(b []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailSend || m.Closed {
		return errors.New("mock send failure")
	}
	m.RawBytes = append(m.RawBytes, string(b))
	return nil
}

func (m *MockClient) Ping() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailPing {
		return errors.New("mock ping failure")
	}
	m.Pings++
	return nil
}

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) IsClosed() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Closed
}

func (m *MockClient) SetFailSend(fail bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FailSend = fail
}

// Messages decodes everything sent so far.
func (m *MockClient) Messages() []Message {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]Message, 0, len(m.RawBytes))
	for _, raw := range m.RawBytes {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// MessagesOfType returns the sent messages with the given type.
func (m *MockClient) MessagesOfType(msgType string) []Message {
	var out []Message
	for _, msg := range m.Messages() {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockClient) LastMsgType() string {
	msgs := m.Messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Type
}

func (m *MockClient) Reset() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = nil
}

type MockClock struct {
	CurrentTime time.Time
	Mu          sync.Mutex
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Sleep(d time.Duration) {
	m.Mu.Lock()
	m.CurrentTime = m.CurrentTime.Add(d)
	m.Mu.Unlock()
	// keeps simulated loops from spinning a core
	time.Sleep(time.Microsecond)
}

type MockRand struct {
	ValInt   int
	ValFloat float64
}

func (m *MockRand) Intn(n int) int   { return m.ValInt }
func (m *MockRand) Float64() float64 { return m.ValFloat }

// MockMarketStore is an in-memory repository.MarketStore and WatchlistStore.
type MockMarketStore struct {
	Markets    map[string]models.MarketSnapshot
	Watchlists map[string][]string
	FailReads  bool
	FailWrites bool
	Upserts    int
	Mu         sync.Mutex
}

func NewMockMarketStore() *MockMarketStore {
	return &MockMarketStore{
		Markets:    make(map[string]models.MarketSnapshot),
		Watchlists: make(map[string][]string),
	}
}

// Seed stores an active market with the given price.
func (m *MockMarketStore) Seed(symbol string, price float64, at time.Time) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Markets[symbol] = models.MarketSnapshot{Symbol: symbol, LastPrice: price, LastUpdateTimestamp: at, Active: true}
}

func (m *MockMarketStore) SetFailReads(fail bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FailReads = fail
}

func (m *MockMarketStore) SetFailWrites(fail bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FailWrites = fail
}

func (m *MockMarketStore) Get(symbol string) (models.MarketSnapshot, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	snap, ok := m.Markets[symbol]
	return snap, ok
}

func (m *MockMarketStore) UpsertCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Upserts
}

func (m *MockMarketStore) FindBySymbols(ctx context.Context, symbols []string) ([]models.MarketSnapshot, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailReads {
		return nil, fmt.Errorf("%w: mock read failure", repository.ErrStorageUnavailable)
	}
	var out []models.MarketSnapshot
	for _, s := range symbols {
		if snap, ok := m.Markets[s]; ok {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *MockMarketStore) FindActiveBySymbol(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailReads {
		return nil, fmt.Errorf("%w: mock read failure", repository.ErrStorageUnavailable)
	}
	snap, ok := m.Markets[symbol]
	if !ok || !snap.Active {
		return nil, nil
	}
	return &snap, nil
}

func (m *MockMarketStore) ListActive(ctx context.Context) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailReads {
		return nil, fmt.Errorf("%w: mock read failure", repository.ErrStorageUnavailable)
	}
	var out []string
	for sym, snap := range m.Markets {
		if snap.Active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockMarketStore) Upsert(ctx context.Context, t models.Tick) (models.MarketSnapshot, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailWrites {
		return models.MarketSnapshot{}, false, fmt.Errorf("%w: mock write failure", repository.ErrStorageUnavailable)
	}
	prev, exists := m.Markets[t.Symbol]
	next, applied := models.ApplyTick(prev, exists, t)
	if applied {
		m.Markets[t.Symbol] = next
		m.Upserts++
	}
	return next, applied, nil
}

func (m *MockMarketStore) SetActive(ctx context.Context, symbol string, active bool) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("%w: mock write failure", repository.ErrStorageUnavailable)
	}
	snap, ok := m.Markets[symbol]
	if !ok {
		snap = models.MarketSnapshot{Symbol: symbol}
	}
	snap.Active = active
	m.Markets[symbol] = snap
	return nil
}

func (m *MockMarketStore) FindSymbolsForUser(ctx context.Context, userID string) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailReads {
		return nil, fmt.Errorf("%w: mock read failure", repository.ErrStorageUnavailable)
	}
	return append([]string(nil), m.Watchlists[userID]...), nil
}

func (m *MockMarketStore) AddToWatchlist(ctx context.Context, userID, name string, symbols ...string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Watchlists[userID] = models.NormalizeSymbols(append(m.Watchlists[userID], symbols...))
	return nil
}

// Broadcast is one recorded broadcaster call.
type Broadcast struct {
	Symbol  string
	Channel string
	Type    string
	Data    interface{}
}

type MockBroadcaster struct {
	Calls []Broadcast
	Mu    sync.Mutex
}

func (m *MockBroadcaster) BroadcastToSubscribers(symbol, channel string, data interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Calls = append(m.Calls, Broadcast{Symbol: symbol, Channel: channel, Type: channel, Data: data})
}

func (m *MockBroadcaster) BroadcastToAll(msgType string, data interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Calls = append(m.Calls, Broadcast{Type: msgType, Data: data})
}

func (m *MockBroadcaster) OfType(msgType string) []Broadcast {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []Broadcast
	for _, c := range m.Calls {
		if c.Type == msgType {
			out = append(out, c)
		}
	}
	return out
}

// MockFeed is a scriptable upstream.Feed.
type MockFeed struct {
	Ticks      map[string]models.Tick
	Err        error
	FetchCalls [][]string
	Streams    []*MockStream
	Mu         sync.Mutex
}

func NewMockFeed() *MockFeed {
	return &MockFeed{Ticks: make(map[string]models.Tick)}
}

func (m *MockFeed) SetTick(t models.Tick) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Ticks[t.Symbol] = t
}

func (m *MockFeed) SetErr(err error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Err = err
}

func (m *MockFeed) FetchCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.FetchCalls)
}

func (m *MockFeed) FetchSnapshotBatch(ctx context.Context, symbols []string) ([]models.Tick, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FetchCalls = append(m.FetchCalls, append([]string(nil), symbols...))
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.Tick
	for _, s := range symbols {
		if t, ok := m.Ticks[s]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockFeed) OpenStream(symbols []string, onEvent func(models.Event)) upstream.Handle {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	s := &MockStream{Symbols: append([]string(nil), symbols...), onEvent: onEvent}
	m.Streams = append(m.Streams, s)
	return s
}

// Stream returns the most recently opened stream, or nil.
func (m *MockFeed) Stream() *MockStream {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

type MockStream struct {
	Symbols []string
	Reopens [][]string
	Closed  bool
	onEvent func(models.Event)
	Mu      sync.Mutex
}

func (m *MockStream) Reopen(symbols []string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Symbols = append([]string(nil), symbols...)
	m.Reopens = append(m.Reopens, m.Symbols)
}

func (m *MockStream) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockStream) ReopenCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Reopens)
}

func (m *MockStream) CurrentSymbols() []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]string(nil), m.Symbols...)
}

// Emit delivers ev unless the stream was closed.
func (m *MockStream) Emit(ev models.Event) {
	m.Mu.Lock()
	closed, fn := m.Closed, m.onEvent
	m.Mu.Unlock()
	if !closed {
		fn(ev)
	}
}

type MockKafkaWriter struct {
	Messages   []kafka.Message
	Mu         sync.Mutex
	ShouldFail bool
	Closed     bool
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("kafka error")
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockKafkaWriter) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Messages)
}

type MockKafkaConn struct {
	CreatedTopics []string
	NoPartitions  bool
	Exists        bool
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}
func (m *MockKafkaConn) Close() error { return nil }
func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	if m.Exists {
		return kafka.TopicAlreadyExists
	}
	for _, t := range topics {
		m.CreatedTopics = append(m.CreatedTopics, t.Topic)
	}
	return nil
}
func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	if m.NoPartitions {
		return nil, nil
	}
	return []kafka.Partition{{ID: 0}}, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Fail    bool
	Dials   []string
}

func (m *MockKafkaDialer) Dial(ctx context.Context, address string) (journal.Conn, error) {
	m.Dials = append(m.Dials, address)
	if m.Fail {
		return nil, errors.New("dial refused")
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, msg)
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
