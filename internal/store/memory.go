package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alpharoyale/backend/internal/domain"
)

// Memory is an in-process Gateway implementation. It is the substitute the
// engine/driver/scheduler tests use in place of a real Postgres instance
// (spec §9 "tests substitute an in-memory implementation").
type Memory struct {
	mu sync.Mutex

	state      domain.GameState
	prices     []domain.PriceData // append-only, newest last
	games      map[string]*domain.Game
	players    map[string]map[string]*domain.GamePlayer // gameID -> userID -> row
	positions  map[string]*domain.Position
	orders     map[string]*domain.Order
	executions []domain.OrderExecution
	equityHist []domain.EquityHistory
}

// NewMemory builds an empty in-memory Gateway.
func NewMemory() *Memory {
	return &Memory{
		games:     make(map[string]*domain.Game),
		players:   make(map[string]map[string]*domain.GamePlayer),
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
	}
}

func (m *Memory) CurrentTick(ctx context.Context) (domain.GameState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Memory) AdvanceTick(ctx context.Context, newTick int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentTick = newTick
	m.state.LastTickAt = time.Now()
	return nil
}

func (m *Memory) InsertPrice(ctx context.Context, symbol string, price float64, tick int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = append(m.prices, domain.PriceData{
		Symbol: symbol, Price: price, Tick: tick, Timestamp: time.Now(),
	})
	return nil
}

func (m *Memory) LatestPrice(ctx context.Context, symbol string) (domain.PriceData, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best domain.PriceData
	found := false
	for _, p := range m.prices {
		if p.Symbol != symbol {
			continue
		}
		if !found || p.Timestamp.After(best.Timestamp) || (p.Timestamp.Equal(best.Timestamp) && p.Tick > best.Tick) {
			best = p
			found = true
		}
	}
	return best, found, nil
}

func (m *Memory) ActiveGames(ctx context.Context) ([]domain.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Game
	for _, g := range m.games {
		if g.Status == domain.GameActive && g.StartedAt != nil {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (m *Memory) GetGame(ctx context.Context, gameID string) (domain.Game, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return domain.Game{}, false, nil
	}
	return *g, true, nil
}

func (m *Memory) UpdateGameStatus(ctx context.Context, gameID string, status domain.GameStatus, endedAt *time.Time, winnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return domain.NewError(domain.KindStoreTransient, "game not found", nil)
	}
	g.Status = status
	g.EndedAt = endedAt
	g.WinnerID = winnerID
	g.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) StartGame(ctx context.Context, gameID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return domain.NewError(domain.KindStoreTransient, "game not found", nil)
	}
	if g.StartedAt != nil {
		return nil // already started: StartedAt is stamped once (spec §3)
	}
	g.Status = domain.GameActive
	g.StartedAt = &startedAt
	g.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) PendingOrders(ctx context.Context, gameID string, orderType *domain.OrderType) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.GameID != gameID || o.Status != domain.OrderPending {
			continue
		}
		if orderType != nil && o.OrderType != *orderType {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (m *Memory) MarkOrder(ctx context.Context, orderID string, status domain.OrderStatus, filledPrice *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.NewError(domain.KindStoreTransient, "order not found", nil)
	}
	if o.Status.IsTerminal() {
		return nil // I4: terminal orders are immutable, replays are no-ops
	}
	o.Status = status
	if filledPrice != nil {
		o.FilledPrice = filledPrice
	}
	if status == domain.OrderFilled {
		now := time.Now()
		o.FilledAt = &now
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) InsertExecution(ctx context.Context, exec domain.OrderExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	exec.CreatedAt = time.Now()
	m.executions = append(m.executions, exec)
	return nil
}

func (m *Memory) OpenPositions(ctx context.Context, gameID string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.GameID == gameID && p.Status == domain.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) InsertPosition(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := time.Now()
	pos.CreatedAt, pos.UpdatedAt = now, now
	m.positions[pos.ID] = &pos
	return nil
}

func (m *Memory) UpdatePosition(ctx context.Context, id string, patch PositionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.NewError(domain.KindStoreTransient, "position not found", nil)
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.CurrentPrice != nil {
		p.CurrentPrice = *patch.CurrentPrice
	}
	if patch.UnrealizedPnL != nil {
		p.UnrealizedPnL = *patch.UnrealizedPnL
	}
	if patch.Quantity != nil {
		p.Quantity = *patch.Quantity
	}
	if patch.EntryPrice != nil {
		p.EntryPrice = *patch.EntryPrice
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Players(ctx context.Context, gameID string, userID *string) ([]domain.GamePlayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.players[gameID]
	if !ok {
		return nil, nil
	}
	if userID != nil {
		p, ok := byUser[*userID]
		if !ok {
			return nil, nil
		}
		return []domain.GamePlayer{*p}, nil
	}
	out := make([]domain.GamePlayer, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, *p)
	}
	return out, nil
}

func (m *Memory) UpdatePlayer(ctx context.Context, gameID, userID string, balance, equity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.playerLocked(gameID, userID)
	p.Balance = balance
	p.Equity = equity
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpdatePlayerEquity(ctx context.Context, gameID, userID string, equity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.playerLocked(gameID, userID)
	p.Equity = equity
	p.UpdatedAt = time.Now()
	return nil
}

// playerLocked returns (creating if absent) the GamePlayer row. Callers
// must hold m.mu.
func (m *Memory) playerLocked(gameID, userID string) *domain.GamePlayer {
	byUser, ok := m.players[gameID]
	if !ok {
		byUser = make(map[string]*domain.GamePlayer)
		m.players[gameID] = byUser
	}
	p, ok := byUser[userID]
	if !ok {
		p = &domain.GamePlayer{GameID: gameID, UserID: userID}
		byUser[userID] = p
	}
	return p
}

func (m *Memory) InsertEquityHistory(ctx context.Context, row domain.EquityHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.equityHist {
		if r.GameID == row.GameID && r.PlayerID == row.PlayerID && r.Tick == row.Tick {
			return nil // unique on (game_id, player_id, tick); replay is a no-op
		}
	}
	m.equityHist = append(m.equityHist, row)
	return nil
}

// --- Test fixtures helpers (not part of the Gateway interface) ---

// SeedGame installs a Game + GamePlayer rows directly, for test setup.
func (m *Memory) SeedGame(g domain.Game, players ...domain.GamePlayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gc := g
	m.games[g.ID] = &gc
	byUser := make(map[string]*domain.GamePlayer)
	for _, p := range players {
		pc := p
		byUser[p.UserID] = &pc
	}
	m.players[g.ID] = byUser
}

// SeedOrder installs an Order directly, for test setup.
func (m *Memory) SeedOrder(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oc := o
	if oc.ID == "" {
		oc.ID = uuid.NewString()
	}
	m.orders[oc.ID] = &oc
}

// SeedPosition installs a Position directly, for test setup.
func (m *Memory) SeedPosition(p domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc := p
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	m.positions[pc.ID] = &pc
}

// Executions returns every recorded fill, for assertions.
func (m *Memory) Executions() []domain.OrderExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OrderExecution, len(m.executions))
	copy(out, m.executions)
	return out
}

// EquityHistoryRows returns every recorded equity snapshot, for assertions.
func (m *Memory) EquityHistoryRows() []domain.EquityHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EquityHistory, len(m.equityHist))
	copy(out, m.equityHist)
	return out
}

// Order returns a single order by ID, for assertions.
func (m *Memory) Order(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Position returns a single position by ID, for assertions.
func (m *Memory) Position(id string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Player returns a single player row, for assertions.
func (m *Memory) Player(gameID, userID string) (domain.GamePlayer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.players[gameID]
	if !ok {
		return domain.GamePlayer{}, false
	}
	p, ok := byUser[userID]
	if !ok {
		return domain.GamePlayer{}, false
	}
	return *p, true
}

var _ Gateway = (*Memory)(nil)
