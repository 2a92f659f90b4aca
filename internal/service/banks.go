package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/health"
	"github.com/punchamoorthee/payswitch/internal/models"
	"github.com/punchamoorthee/payswitch/internal/store"
	"github.com/punchamoorthee/payswitch/internal/verifier"
	"go.uber.org/zap"
)

// Invalidator drops cached VPA mappings.
type Invalidator interface {
	Invalidate(ctx context.Context, vpa string) error
}

// BankService manages participant registrations and feeds the health registry.
type BankService struct {
	store    store.Banks
	registry *health.Registry
	cache    Invalidator
	clock    clock.Clock
	log      *zap.Logger
}

func NewBankService(st store.Banks, registry *health.Registry, cache Invalidator, clk clock.Clock, log *zap.Logger) *BankService {
	return &BankService{store: st, registry: registry, cache: cache, clock: clk, log: log.Named("banks")}
}

// Load registers every persisted bank with the health registry.
func (s *BankService) Load(ctx context.Context) (int, error) {
	banks, err := s.store.ListBanks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list banks: %w", err)
	}
	for _, b := range banks {
		s.registry.Register(b)
	}
	return len(banks), nil
}

func (s *BankService) Register(ctx context.Context, req models.RegisterBankRequest) (domain.BankHealth, error) {
	if err := models.Validate(req); err != nil {
		return domain.BankHealth{}, err
	}
	if _, err := verifier.DecodePublicKey(req.PublicKey); err != nil {
		return domain.BankHealth{}, domain.Validation("INVALID_PUBLICKEY", err.Error())
	}
	caps := make([]string, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != domain.CapabilityP2P && c != domain.CapabilityP2M {
			return domain.BankHealth{}, domain.Validation("INVALID_CAPABILITIES", "unknown capability "+c)
		}
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}

	code := strings.ToUpper(req.Code)
	b := domain.Bank{
		Code:         code,
		Name:         req.Name,
		Endpoint:     strings.TrimRight(req.Endpoint, "/"),
		PublicKey:    req.PublicKey,
		Capabilities: caps,
		SponsorFor:   upper(req.SponsorFor),
		CreatedAt:    s.clock.Now(),
	}
	if existing, ok := s.registry.Bank(code); ok {
		b.CreatedAt = existing.CreatedAt
	}
	if err := s.store.UpsertBank(ctx, b); err != nil {
		return domain.BankHealth{}, fmt.Errorf("save bank: %w", err)
	}
	s.registry.Register(b)
	s.log.Info("bank registered", zap.String("bank", code), zap.Strings("sponsor_for", b.SponsorFor))

	h, _ := s.registry.Health(code)
	return h, nil
}

// RegisterVPA maps a VPA to a registered bank.
func (s *BankService) RegisterVPA(ctx context.Context, req models.RegisterVPARequest) error {
	if err := models.Validate(req); err != nil {
		return err
	}
	code := strings.ToUpper(req.BankCode)
	if _, ok := s.registry.Bank(code); !ok {
		return domain.ErrUnknownBank
	}
	vpa := verifier.NormalizeVPA(req.VPA)
	if err := s.store.UpsertVPA(ctx, vpa, code); err != nil {
		return fmt.Errorf("save vpa: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, vpa); err != nil {
			s.log.Warn("vpa cache invalidation failed", zap.String("vpa", vpa), zap.Error(err))
		}
	}
	return nil
}

// DeactivateVPA removes a VPA from the directory so it no longer resolves.
// Payments already accepted for it are unaffected.
func (s *BankService) DeactivateVPA(ctx context.Context, vpa string) error {
	vpa = verifier.NormalizeVPA(vpa)
	if err := s.store.DeleteVPA(ctx, vpa); err != nil {
		if errors.Is(err, domain.ErrUnknownVPA) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("delete vpa: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, vpa); err != nil {
			s.log.Warn("vpa cache invalidation failed", zap.String("vpa", vpa), zap.Error(err))
		}
	}
	s.log.Info("vpa deactivated", zap.String("vpa", vpa))
	return nil
}

func (s *BankService) List() []domain.BankHealth {
	return s.registry.Snapshot().Sorted()
}

func (s *BankService) Get(code string) (domain.BankHealth, error) {
	h, ok := s.registry.Health(strings.ToUpper(code))
	if !ok {
		return domain.BankHealth{}, domain.ErrNotFound
	}
	return h, nil
}

func (s *BankService) Heartbeat(code string, req models.HeartbeatRequest) (domain.BankHealth, error) {
	if err := models.Validate(req); err != nil {
		return domain.BankHealth{}, err
	}
	code = strings.ToUpper(code)
	if err := s.registry.Heartbeat(code, req.Healthy, time.Duration(req.LatencyMS)*time.Millisecond); err != nil {
		return domain.BankHealth{}, err
	}
	return s.Get(code)
}

// SetCircuit applies an operator override to a bank's breaker.
func (s *BankService) SetCircuit(code string, req models.CircuitOverrideRequest) (domain.BankHealth, error) {
	if err := models.Validate(req); err != nil {
		return domain.BankHealth{}, err
	}
	code = strings.ToUpper(code)
	if err := s.registry.SetOverride(code, domain.CircuitState(req.State)); err != nil {
		return domain.BankHealth{}, err
	}
	s.log.Warn("circuit overridden", zap.String("bank", code), zap.String("state", req.State))
	return s.Get(code)
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(s))
	}
	return out
}
