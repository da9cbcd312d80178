// Package service composes tokens, vesting ledgers, the allocation tracker
// and the marketplace engine behind one lock. Every public operation runs
// to completion or leaves state untouched, and its changes are persisted
// in a single batch.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/filecoin-project/go-clock"
	"github.com/holiman/uint256"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"vesting-market/allocation"
	"vesting-market/auth"
	"vesting-market/logger"
	"vesting-market/marketplace"
	"vesting-market/metrics"
	"vesting-market/models"
	"vesting-market/repository"
	"vesting-market/settings"
	"vesting-market/token"
	"vesting-market/vesting"
)

var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrPersist          = errors.New("persist state")
)

// Config holds what the service needs at construction.
type Config struct {
	Deployer        common.Address // seeds every derived address
	Admins          []common.Address
	VestingDefaults models.VestingSettings
	Marketplace     models.MarketplaceSettings // used when nothing is persisted
}

type registry map[common.Address]*token.Memory

func (r registry) Token(addr common.Address) (token.Token, bool) {
	t, ok := r[addr]
	if !ok {
		return nil, false
	}
	return t, true
}

// Service is the single writer over all ledger and marketplace state.
type Service struct {
	mux      deadlock.Mutex
	clock    clock.Clock
	repo     repository.StateRepositoryInterface
	metrics  *metrics.Metrics
	dir      *auth.Directory
	deployer common.Address
	nonce    uint64
	defaults models.VestingSettings
	initial  models.MarketplaceSettings // used when nothing is persisted

	tokens   registry
	ledgers  map[common.Address]*vesting.Ledger
	tracker  *allocation.Tracker
	settings *settings.Marketplace
	engine   *marketplace.Engine
}

// NewService builds the service and restores any persisted state.
func NewService(cfg Config, repo repository.StateRepositoryInterface, clk clock.Clock, m *metrics.Metrics) (*Service, error) {
	s := &Service{
		clock:    clk,
		repo:     repo,
		metrics:  m,
		dir:      auth.NewDirectory(cfg.Admins),
		deployer: cfg.Deployer,
		defaults: cfg.VestingDefaults,
		initial:  cfg.Marketplace,
	}
	fresh, err := s.load()
	if err != nil {
		return nil, err
	}
	if fresh {
		repo.RecordSettings(s.settings.Snapshot())
		if err := repo.Flush(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}
	logger.Logger.Info("Service ready",
		zap.String("custody", s.tracker.Address().Hex()),
		zap.String("marketplace", s.engine.Address().Hex()),
		zap.Int("tokens", len(s.tokens)),
		zap.Int("schedules", len(s.ledgers)))
	return s, nil
}

// load replaces every component with the committed state. It reports
// whether no settings were persisted yet.
func (s *Service) load() (bool, error) {
	snap, err := s.repo.Load()
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	stored := snap.Settings
	if stored == nil {
		stored = &s.initial
	}
	st, err := settings.New(*stored, s.repo)
	if err != nil {
		return false, err
	}

	s.nonce = 2
	s.tokens = make(registry)
	s.ledgers = make(map[common.Address]*vesting.Ledger)
	s.settings = st
	s.tracker = allocation.New(crypto.CreateAddress(s.deployer, 0), s.repo)
	s.engine = marketplace.New(crypto.CreateAddress(s.deployer, 1), s.settings, s.tracker, s.tokens, s.repo)
	if err := s.restore(snap); err != nil {
		return false, fmt.Errorf("restore state: %w", err)
	}
	s.metrics.OpenListings.Set(float64(s.engine.OpenListings()))
	return snap.Settings == nil, nil
}

// Custody is the escrow identity of the allocation tracker.
func (s *Service) Custody() common.Address { return s.tracker.Address() }

// Marketplace is the account purchase payments pass through; buyers approve it.
func (s *Service) Marketplace() common.Address { return s.engine.Address() }

func (s *Service) caller(addr common.Address) auth.Caller {
	return s.dir.Resolve(addr)
}

// nextAddress derives a fresh address for a token or schedule.
func (s *Service) nextAddress() common.Address {
	a := crypto.CreateAddress(s.deployer, s.nonce)
	s.nonce++
	s.repo.RecordNonce(s.deployer, s.nonce)
	return a
}

func (s *Service) token(addr common.Address) (*token.Memory, error) {
	t, ok := s.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, addr.Hex())
	}
	return t, nil
}

func (s *Service) ledger(addr common.Address) (*vesting.Ledger, error) {
	l, ok := s.ledgers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, addr.Hex())
	}
	return l, nil
}

// finish commits or discards the pending changes of one operation.
func (s *Service) finish(op string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("op", op))
	if err != nil {
		s.repo.Discard()
		s.metrics.Observe(op, err)
		logger.Logger.Warn("Operation rejected", append(fields, zap.Error(err))...)
		return err
	}
	if ferr := s.repo.Flush(); ferr != nil {
		s.metrics.Observe(op, ferr)
		logger.Logger.Error("Failed to persist operation", append(fields, zap.Error(ferr))...)
		// memory must not run ahead of what a restart would see
		if _, lerr := s.load(); lerr != nil {
			logger.Logger.Error("Failed to reload committed state", zap.Error(lerr))
			return fmt.Errorf("%w: %w", ErrPersist, errors.Join(ferr, lerr))
		}
		return fmt.Errorf("%w: %w", ErrPersist, ferr)
	}
	s.metrics.Observe(op, nil)
	logger.Logger.Info("Operation applied", fields...)
	return nil
}

func (s *Service) restore(snap *repository.Snapshot) error {
	if n, ok := snap.Nonces[s.deployer]; ok {
		s.nonce = n
	}
	for _, meta := range snap.Tokens {
		t := token.NewMemory(meta, s.repo)
		t.Restore(snap.Balances[meta.Address], snap.Allowances[meta.Address])
		s.tokens[meta.Address] = t
	}
	for _, sc := range snap.Schedules {
		t, err := s.token(sc.Token)
		if err != nil {
			return err
		}
		l, err := vesting.New(sc, t, s.tracker.Address(), s.repo)
		if err != nil {
			return err
		}
		for holder, rec := range snap.Vestings[sc.Address] {
			l.Restore(holder, rec)
		}
		vs, ok := snap.VestingSettings[sc.Address]
		if !ok {
			vs = models.VestingSettings{Sellable: sc.Sellable, MaxSellPercent: sc.MaxSellPercent}
		}
		if err := s.tracker.Register(l, vs); err != nil {
			return err
		}
		for holder, a := range snap.Allocations[sc.Address] {
			s.tracker.Restore(sc.Address, holder, a)
		}
		s.ledgers[sc.Address] = l
	}
	for _, w := range snap.Whitelists {
		s.engine.RestoreWhitelist(w)
	}
	for _, l := range snap.Listings {
		s.engine.RestoreListing(l)
	}
	if n, ok := snap.Nonces[s.engine.Address()]; ok {
		s.engine.RestoreNonce(n)
	}
	// registering schedules records their settings again
	s.repo.Discard()
	return nil
}

// CreateToken registers a new in-process token. Admin only.
func (s *Service) CreateToken(from common.Address, symbol string, decimals uint8) (models.Token, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var meta models.Token
	err := func() error {
		if !s.caller(from).Has(auth.RoleAdmin) {
			return fmt.Errorf("create token: %w", auth.ErrUnauthorized)
		}
		if symbol == "" || decimals > 36 {
			return fmt.Errorf("create token: invalid symbol %q or decimals %d", symbol, decimals)
		}
		meta = models.Token{Address: s.nextAddress(), Symbol: symbol, Decimals: decimals}
		s.tokens[meta.Address] = token.NewMemory(meta, s.repo)
		s.repo.RecordToken(meta)
		return nil
	}()
	return meta, s.finish("create_token", err, zap.String("symbol", symbol), zap.String("token", meta.Address.Hex()))
}

// Mint credits new supply. Admin only.
func (s *Service) Mint(from, tok, to common.Address, amount *uint256.Int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := func() error {
		if !s.caller(from).Has(auth.RoleAdmin) {
			return fmt.Errorf("mint: %w", auth.ErrUnauthorized)
		}
		t, err := s.token(tok)
		if err != nil {
			return err
		}
		return t.Mint(to, amount)
	}()
	return s.finish("mint", err, zap.String("token", tok.Hex()), zap.String("to", to.Hex()), zap.Stringer("amount", amount))
}

// Approve lets spender move amount of the caller's tokens.
func (s *Service) Approve(from, tok, spender common.Address, amount *uint256.Int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := func() error {
		t, err := s.token(tok)
		if err != nil {
			return err
		}
		return t.Approve(from, spender, amount)
	}()
	return s.finish("approve", err, zap.String("token", tok.Hex()), zap.String("owner", from.Hex()), zap.String("spender", spender.Hex()))
}

// Transfer moves the caller's tokens.
func (s *Service) Transfer(from, tok, to common.Address, amount *uint256.Int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := func() error {
		t, err := s.token(tok)
		if err != nil {
			return err
		}
		return t.Transfer(from, to, amount)
	}()
	return s.finish("transfer", err, zap.String("token", tok.Hex()), zap.String("from", from.Hex()), zap.String("to", to.Hex()))
}

// Token returns a token's metadata.
func (s *Service) Token(tok common.Address) (models.Token, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	t, err := s.token(tok)
	if err != nil {
		return models.Token{}, err
	}
	return t.Meta(), nil
}

// Balance returns holder's balance of tok.
func (s *Service) Balance(tok, holder common.Address) (*uint256.Int, models.Token, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	t, err := s.token(tok)
	if err != nil {
		return nil, models.Token{}, err
	}
	return t.BalanceOf(holder), t.Meta(), nil
}

// Allowance returns what spender may still move of owner's tok.
func (s *Service) Allowance(tok, owner, spender common.Address) (*uint256.Int, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	t, err := s.token(tok)
	if err != nil {
		return nil, err
	}
	return t.Allowance(owner, spender), nil
}

// Now is the service clock's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}
