package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RideCredits is awarded to the driver and to each traveler of a completed request.
const RideCredits = 10

var (
	ErrInsufficientCredits = errors.New("insufficient green credits")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
)

// Entry is one leaderboard position. Rank starts at 1.
type Entry struct {
	UserID  uuid.UUID `json:"user_id"`
	Credits int64     `json:"credits"`
	Rank    int64     `json:"rank"`
}

// Ledger keeps green-credit balances and ranks users by them.
type Ledger interface {
	// AwardOnce credits userID unless an award with the same key was already
	// made. It reports whether credits were added.
	AwardOnce(ctx context.Context, key string, userID uuid.UUID, amount int64) (bool, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	// Redeem spends credits and returns the remaining balance.
	Redeem(ctx context.Context, userID uuid.UUID, amount int64) (int64, error)
	Top(ctx context.Context, n int) ([]Entry, error)
	// Position returns the user's entry; ok is false for users without credits.
	Position(ctx context.Context, userID uuid.UUID) (entry Entry, ok bool, err error)
}

const (
	defaultBoardKey  = "credits:leaderboard"
	defaultAwardTTL  = 30 * 24 * time.Hour
	awardMarkerSpace = "credits:awarded:"
)

// RedisLedger stores balances in a sorted set so the leaderboard is a range read.
type RedisLedger struct {
	client   redis.Cmdable
	key      string
	awardTTL time.Duration
	award    *redis.Script
	redeem   *redis.Script
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger constructs the ledger. Empty key defaults to "credits:leaderboard".
func NewRedisLedger(client redis.Cmdable, key string) *RedisLedger {
	if key == "" {
		key = defaultBoardKey
	}
	return &RedisLedger{
		client:   client,
		key:      key,
		awardTTL: defaultAwardTTL,
		award:    redis.NewScript(awardOnceLua),
		redeem:   redis.NewScript(redeemLua),
	}
}

func (l *RedisLedger) AwardOnce(ctx context.Context, key string, userID uuid.UUID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	res, err := l.award.Run(ctx, l.client, []string{awardMarkerSpace + key, l.key},
		userID.String(), amount, l.awardTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("award credits: %w", err)
	}
	return res == 1, nil
}

func (l *RedisLedger) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	score, err := l.client.ZScore(ctx, l.key, userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return int64(score), nil
}

func (l *RedisLedger) Redeem(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	res, err := l.redeem.Run(ctx, l.client, []string{l.key}, userID.String(), amount).Int64()
	if err != nil {
		return 0, fmt.Errorf("redeem credits: %w", err)
	}
	if res < 0 {
		return 0, ErrInsufficientCredits
	}
	return res, nil
}

func (l *RedisLedger) Top(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	members, err := l.client.ZRevRangeWithScores(ctx, l.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	entries := make([]Entry, 0, len(members))
	for i, m := range members {
		member, ok := m.Member.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{UserID: id, Credits: int64(m.Score), Rank: int64(i + 1)})
	}
	return entries, nil
}

func (l *RedisLedger) Position(ctx context.Context, userID uuid.UUID) (Entry, bool, error) {
	member := userID.String()
	rank, err := l.client.ZRevRank(ctx, l.key, member).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{UserID: userID}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("leaderboard rank: %w", err)
	}
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{UserID: userID, Credits: balance, Rank: rank + 1}, true, nil
}

const awardOnceLua = `
local marker = KEYS[1]
local board = KEYS[2]
local member = ARGV[1]
local amount = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call('SET', marker, '1', 'NX', 'PX', ttl) then
  redis.call('ZINCRBY', board, amount, member)
  return 1
end
return 0
`

const redeemLua = `
local board = KEYS[1]
local member = ARGV[1]
local amount = tonumber(ARGV[2])

local balance = tonumber(redis.call('ZSCORE', board, member) or '0')
if balance < amount then
  return -1
end
return tonumber(redis.call('ZINCRBY', board, -amount, member))
`

// MemoryLedger is the in-process Ledger used by tests and local demos.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	awarded  map[string]struct{}
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[uuid.UUID]int64), awarded: make(map[string]struct{})}
}

func (m *MemoryLedger) AwardOnce(_ context.Context, key string, userID uuid.UUID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.awarded[key]; done {
		return false, nil
	}
	m.awarded[key] = struct{}{}
	m.balances[userID] += amount
	return true, nil
}

func (m *MemoryLedger) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *MemoryLedger) Redeem(_ context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return 0, ErrInsufficientCredits
	}
	m.balances[userID] -= amount
	return m.balances[userID], nil
}

// ranked orders users like ZREVRANGE: score descending, then member descending.
func (m *MemoryLedger) ranked() []Entry {
	entries := make([]Entry, 0, len(m.balances))
	for id, credits := range m.balances {
		entries = append(entries, Entry{UserID: id, Credits: credits})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Credits != entries[j].Credits {
			return entries[i].Credits > entries[j].Credits
		}
		return entries[i].UserID.String() > entries[j].UserID.String()
	})
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries
}

func (m *MemoryLedger) Top(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.ranked()
	if n < 0 {
		n = 0
	}
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (m *MemoryLedger) Position(_ context.Context, userID uuid.UUID) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[userID]; !ok {
		return Entry{UserID: userID}, false, nil
	}
	for _, e := range m.ranked() {
		if e.UserID == userID {
			return e, true, nil
		}
	}
	return Entry{UserID: userID}, false, nil
}
