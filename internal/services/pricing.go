package services

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/example/esimstore/internal/models"
)

// markupCacheTTL bounds how stale cached markup settings may be. Admin
// mutations become visible within this window.
const markupCacheTTL = 30 * time.Second

type markupSnapshot struct {
	base      float64
	methods   map[string]float64
	countries map[string]float64
}

// PricingService applies the multiplicative markup chain
// (base x country x payment method) on top of provider cost prices.
// Settings are read through a short-TTL cache and treated as eventually
// consistent.
type PricingService struct {
	db *gorm.DB

	mu       sync.RWMutex
	snapshot *markupSnapshot
	expiry   time.Time
}

// NewPricingService constructs PricingService.
func NewPricingService(db *gorm.DB) *PricingService {
	return &PricingService{db: db}
}

// FinalPrice computes the customer price for a cost price, rounded to two
// decimals.
func (s *PricingService) FinalPrice(ctx context.Context, costPrice float64, countryCode, paymentMethod string) (float64, error) {
	snap, err := s.settings(ctx)
	if err != nil {
		return 0, err
	}

	countryMult := 1.0
	if pct, ok := snap.countries[strings.ToUpper(countryCode)]; ok {
		countryMult = 1 + pct/100
	}

	methodMult := 1.0
	if m, ok := snap.methods[paymentMethod]; ok && m > 0 {
		methodMult = m
	}

	return Round2(costPrice * snap.base * countryMult * methodMult), nil
}

func (s *PricingService) settings(ctx context.Context) (*markupSnapshot, error) {
	s.mu.RLock()
	if s.snapshot != nil && time.Now().Before(s.expiry) {
		snap := s.snapshot
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot != nil && time.Now().Before(s.expiry) {
		return s.snapshot, nil
	}

	var settings models.MarkupSettings
	if err := s.db.WithContext(ctx).First(&settings).Error; err != nil {
		return nil, err
	}

	var countries []models.CountryMarkup
	if err := s.db.WithContext(ctx).Find(&countries).Error; err != nil {
		return nil, err
	}

	base := settings.BaseMarkup
	if base <= 0 {
		base = 1
	}

	snap := &markupSnapshot{
		base: base,
		methods: map[string]float64{
			models.PaymentMethodStars:  settings.MethodMarkup(models.PaymentMethodStars),
			models.PaymentMethodCard:   settings.MethodMarkup(models.PaymentMethodCard),
			models.PaymentMethodCrypto: settings.MethodMarkup(models.PaymentMethodCrypto),
		},
		countries: make(map[string]float64, len(countries)),
	}
	for _, c := range countries {
		snap.countries[strings.ToUpper(c.CountryCode)] = c.Percent
	}

	s.snapshot = snap
	s.expiry = time.Now().Add(markupCacheTTL)
	return snap, nil
}

// Invalidate drops the cached settings so the next read hits the database.
func (s *PricingService) Invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

// Round2 rounds a price to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
