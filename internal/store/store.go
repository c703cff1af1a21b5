// Package store persists the expert and wallet registry in Redis. Expert
// rows carry a monotonic timestamp maintained server-side so the scheduler
// can poll incrementally; secondary indices cover wallet, type and time.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/askmesh/askmesh/internal/errs"
)

const (
	expertKeyPrefix   = "askmesh:expert:"
	walletKeyPrefix   = "askmesh:wallet:"
	expertsByTimeKey  = "askmesh:experts:by_time"
	expertsByWalletNS = "askmesh:experts:wallet:"
	expertsByTypeNS   = "askmesh:experts:type:"
	walletSeqKey      = "askmesh:wallets:seq"
	walletDefaultKey  = "askmesh:wallets:default"
	clockKey          = "askmesh:clock"
)

// Expert is one registry row. Privkey is present for experts the workers
// run on the owner's behalf; imported listen-only records may omit it. The
// JSON form is what the scheduler pushes to workers in job frames.
type Expert struct {
	Pubkey    string            `json:"pubkey"`
	Privkey   string            `json:"privkey,omitempty"`
	Nickname  string            `json:"nickname,omitempty"`
	WalletID  int64             `json:"wallet_id"`
	Type      string            `json:"type"`
	Env       map[string]string `json:"env,omitempty"`
	Docstores []string          `json:"docstores,omitempty"`
	Disabled  bool              `json:"disabled,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Wallet is a named NWC connection string. Default is derived from the
// default pointer, not stored on the row.
type Wallet struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	NWC     string `json:"nwc"`
	Default bool   `json:"default"`
}

// Store wraps the Redis handle. All methods are safe for concurrent use.
type Store struct {
	rdb *redis.Client
}

// New makes a Store over an existing client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func expertKey(pubkey string) string { return expertKeyPrefix + pubkey }
func walletKey(id int64) string      { return walletKeyPrefix + strconv.FormatInt(id, 10) }
func byWalletKey(id int64) string    { return expertsByWalletNS + strconv.FormatInt(id, 10) }
func byTypeKey(typ string) string    { return expertsByTypeNS + typ }

// nextTimestamp returns a strictly increasing millisecond timestamp. The
// counter only ever moves forward, so rows keep their polling order even
// when several writers race or the wall clock jumps back.
func (s *Store) nextTimestamp(ctx context.Context) (int64, error) {
	ts, err := s.rdb.Incr(ctx, clockKey).Result()
	if err != nil {
		return 0, fmt.Errorf("advance clock: %w", err)
	}
	now := time.Now().UnixMilli()
	if ts >= now {
		return ts, nil
	}
	ts, err = s.rdb.IncrBy(ctx, clockKey, now-ts).Result()
	if err != nil {
		return 0, fmt.Errorf("advance clock: %w", err)
	}
	return ts, nil
}

// SaveExpert inserts or replaces a row, stamps it with a fresh timestamp
// and maintains the indices. The stamp is written back into e.
func (s *Store) SaveExpert(ctx context.Context, e *Expert) error {
	if e.Pubkey == "" {
		return fmt.Errorf("expert without pubkey")
	}
	old, err := s.GetExpert(ctx, e.Pubkey)
	if err != nil {
		return err
	}
	ts, err := s.nextTimestamp(ctx)
	if err != nil {
		return err
	}
	e.Timestamp = ts

	env, err := json.Marshal(e.Env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	docstores, err := json.Marshal(e.Docstores)
	if err != nil {
		return fmt.Errorf("encode docstores: %w", err)
	}
	disabled := "0"
	if e.Disabled {
		disabled = "1"
	}
	if err := s.rdb.HSet(ctx, expertKey(e.Pubkey),
		"pubkey", e.Pubkey,
		"privkey", e.Privkey,
		"nickname", e.Nickname,
		"wallet_id", e.WalletID,
		"type", e.Type,
		"env", string(env),
		"docstores", string(docstores),
		"disabled", disabled,
		"timestamp", e.Timestamp,
	).Err(); err != nil {
		return fmt.Errorf("write expert %s: %w", e.Pubkey, err)
	}
	if err := s.rdb.ZAdd(ctx, expertsByTimeKey, redis.Z{Score: float64(ts), Member: e.Pubkey}).Err(); err != nil {
		return fmt.Errorf("index expert %s: %w", e.Pubkey, err)
	}
	if err := s.rdb.SAdd(ctx, byWalletKey(e.WalletID), e.Pubkey).Err(); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, byTypeKey(e.Type), e.Pubkey).Err(); err != nil {
		return err
	}
	if old != nil && old.WalletID != e.WalletID {
		if err := s.rdb.SRem(ctx, byWalletKey(old.WalletID), e.Pubkey).Err(); err != nil {
			return err
		}
	}
	if old != nil && old.Type != e.Type {
		if err := s.rdb.SRem(ctx, byTypeKey(old.Type), e.Pubkey).Err(); err != nil {
			return err
		}
	}
	return nil
}

// GetExpert loads one row; a missing pubkey returns (nil, nil).
func (s *Store) GetExpert(ctx context.Context, pubkey string) (*Expert, error) {
	vals, err := s.rdb.HGetAll(ctx, expertKey(pubkey)).Result()
	if err != nil {
		return nil, fmt.Errorf("read expert %s: %w", pubkey, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return expertFromMap(vals)
}

// ListExpertsAfter returns rows with timestamp strictly greater than after,
// oldest first, at most limit.
func (s *Store) ListExpertsAfter(ctx context.Context, after int64, limit int64) ([]Expert, error) {
	pubkeys, err := s.rdb.ZRangeByScore(ctx, expertsByTimeKey, &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(after, 10),
		Max:   "+inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan experts after %d: %w", after, err)
	}
	return s.loadExperts(ctx, pubkeys)
}

// ListExpertsByWallet returns every expert bound to walletID.
func (s *Store) ListExpertsByWallet(ctx context.Context, walletID int64) ([]Expert, error) {
	pubkeys, err := s.rdb.SMembers(ctx, byWalletKey(walletID)).Result()
	if err != nil {
		return nil, fmt.Errorf("experts by wallet %d: %w", walletID, err)
	}
	return s.loadExperts(ctx, pubkeys)
}

// ListExpertsByType returns every expert of the given type.
func (s *Store) ListExpertsByType(ctx context.Context, typ string) ([]Expert, error) {
	pubkeys, err := s.rdb.SMembers(ctx, byTypeKey(typ)).Result()
	if err != nil {
		return nil, fmt.Errorf("experts by type %s: %w", typ, err)
	}
	return s.loadExperts(ctx, pubkeys)
}

func (s *Store) loadExperts(ctx context.Context, pubkeys []string) ([]Expert, error) {
	var out []Expert
	for _, pk := range pubkeys {
		e, err := s.GetExpert(ctx, pk)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// SetExpertDisabled flips the disabled flag and bumps the timestamp so the
// scheduler's poll picks the change up.
func (s *Store) SetExpertDisabled(ctx context.Context, pubkey string, disabled bool) error {
	e, err := s.GetExpert(ctx, pubkey)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("expert %s not found", pubkey)
	}
	e.Disabled = disabled
	return s.SaveExpert(ctx, e)
}

// DeleteExpert removes the row and its index entries.
func (s *Store) DeleteExpert(ctx context.Context, pubkey string) error {
	e, err := s.GetExpert(ctx, pubkey)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	if err := s.rdb.Del(ctx, expertKey(pubkey)).Err(); err != nil {
		return fmt.Errorf("delete expert %s: %w", pubkey, err)
	}
	if err := s.rdb.ZRem(ctx, expertsByTimeKey, pubkey).Err(); err != nil {
		return err
	}
	if err := s.rdb.SRem(ctx, byWalletKey(e.WalletID), pubkey).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, byTypeKey(e.Type), pubkey).Err()
}

func expertFromMap(m map[string]string) (*Expert, error) {
	walletID, _ := strconv.ParseInt(m["wallet_id"], 10, 64)
	timestamp, _ := strconv.ParseInt(m["timestamp"], 10, 64)
	e := &Expert{
		Pubkey:    m["pubkey"],
		Privkey:   m["privkey"],
		Nickname:  m["nickname"],
		WalletID:  walletID,
		Type:      m["type"],
		Disabled:  m["disabled"] == "1",
		Timestamp: timestamp,
	}
	if raw := m["env"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Env); err != nil {
			return nil, fmt.Errorf("decode env for %s: %w", e.Pubkey, err)
		}
	}
	if raw := m["docstores"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Docstores); err != nil {
			return nil, fmt.Errorf("decode docstores for %s: %w", e.Pubkey, err)
		}
	}
	return e, nil
}

// CreateWallet stores a wallet under a fresh id. The first wallet becomes
// the default; makeDefault forces the pointer.
func (s *Store) CreateWallet(ctx context.Context, name, nwc string, makeDefault bool) (*Wallet, error) {
	id, err := s.rdb.Incr(ctx, walletSeqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate wallet id: %w", err)
	}
	if err := s.rdb.HSet(ctx, walletKey(id),
		"id", id,
		"name", name,
		"nwc", nwc,
	).Err(); err != nil {
		return nil, fmt.Errorf("write wallet %d: %w", id, err)
	}
	if err := s.rdb.SetNX(ctx, walletDefaultKey, id, 0).Err(); err != nil {
		return nil, err
	}
	if makeDefault {
		if err := s.rdb.Set(ctx, walletDefaultKey, id, 0).Err(); err != nil {
			return nil, err
		}
	}
	return s.GetWallet(ctx, id)
}

// GetWallet loads one wallet; a missing id returns (nil, nil).
func (s *Store) GetWallet(ctx context.Context, id int64) (*Wallet, error) {
	vals, err := s.rdb.HGetAll(ctx, walletKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read wallet %d: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	w := walletFromMap(vals)
	defID, err := s.defaultWalletID(ctx)
	if err != nil {
		return nil, err
	}
	w.Default = defID == w.ID
	return w, nil
}

// GetDefaultWallet returns the wallet the default pointer names, or
// (nil, nil) when none is set.
func (s *Store) GetDefaultWallet(ctx context.Context) (*Wallet, error) {
	id, err := s.defaultWalletID(ctx)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	return s.GetWallet(ctx, id)
}

// SetDefaultWallet points the default at an existing wallet.
func (s *Store) SetDefaultWallet(ctx context.Context, id int64) error {
	w, err := s.GetWallet(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return errs.New(errs.WalletNotFound, "wallet %d", id)
	}
	return s.rdb.Set(ctx, walletDefaultKey, id, 0).Err()
}

// ListWallets returns every wallet ordered by id.
func (s *Store) ListWallets(ctx context.Context) ([]Wallet, error) {
	var out []Wallet
	var cursor uint64
	defID, err := s.defaultWalletID(ctx)
	if err != nil {
		return nil, err
	}
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, walletKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan wallets: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			w := walletFromMap(vals)
			w.Default = w.ID == defID
			out = append(out, *w)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWallet removes a wallet no expert references.
func (s *Store) DeleteWallet(ctx context.Context, id int64) error {
	holders, err := s.ListExpertsByWallet(ctx, id)
	if err != nil {
		return err
	}
	if len(holders) > 0 {
		return fmt.Errorf("wallet %d is used by %d experts", id, len(holders))
	}
	if err := s.rdb.Del(ctx, walletKey(id)).Err(); err != nil {
		return fmt.Errorf("delete wallet %d: %w", id, err)
	}
	defID, err := s.defaultWalletID(ctx)
	if err != nil {
		return err
	}
	if defID == id {
		return s.rdb.Del(ctx, walletDefaultKey).Err()
	}
	return nil
}

func (s *Store) defaultWalletID(ctx context.Context) (int64, error) {
	raw, err := s.rdb.Get(ctx, walletDefaultKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read default wallet: %w", err)
	}
	id, _ := strconv.ParseInt(raw, 10, 64)
	return id, nil
}

func walletFromMap(m map[string]string) *Wallet {
	id, _ := strconv.ParseInt(m["id"], 10, 64)
	return &Wallet{
		ID:   id,
		Name: m["name"],
		NWC:  m["nwc"],
	}
}
