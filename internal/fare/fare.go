package fare

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Rates holds the pricing constants for one ride category.
type Rates struct {
	Base      decimal.Decimal
	PerKm     decimal.Decimal
	PerMinute decimal.Decimal
	SpeedKmh  float64
}

// HourWindow is a wall-clock hour range, inclusive on both ends.
// StartHour > EndHour wraps past midnight (22-5 covers 22:00-05:59).
type HourWindow struct {
	StartHour int
	EndHour   int
}

func (w HourWindow) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h <= w.EndHour
	}
	return h >= w.StartHour || h <= w.EndHour
}

// SurgeWindow attaches a multiplier to an hour range.
type SurgeWindow struct {
	HourWindow
	Multiplier decimal.Decimal
}

// Config carries every pricing tunable so deployments can adjust
// regional pricing without code changes.
type Config struct {
	Categories map[models.Category]Rates

	SurgeWindows   []SurgeWindow
	NightWindow    HourWindow
	NightChargePct decimal.Decimal
	VATRatePct     decimal.Decimal

	MinDistanceKm float64
	MaxDistanceKm float64

	BufferMinutes  int
	MinDurationMin int
}

// DefaultConfig mirrors the production deployment's tariff card.
func DefaultConfig() Config {
	return Config{
		Categories: map[models.Category]Rates{
			models.CategoryStandard: {Base: dec(500), PerKm: dec(300), PerMinute: dec(10), SpeedKmh: 30},
			models.CategoryEconomy:  {Base: dec(300), PerKm: dec(200), PerMinute: dec(5), SpeedKmh: 15},
			models.CategoryPremium:  {Base: dec(1000), PerKm: dec(500), PerMinute: dec(15), SpeedKmh: 25},
			models.CategoryDelivery: {Base: dec(800), PerKm: dec(400), PerMinute: dec(12), SpeedKmh: 25},
			models.CategoryExpress:  {Base: dec(1200), PerKm: dec(600), PerMinute: dec(20), SpeedKmh: 35},
		},
		SurgeWindows: []SurgeWindow{
			{HourWindow: HourWindow{StartHour: 7, EndHour: 9}, Multiplier: decimal.RequireFromString("1.2")},
			{HourWindow: HourWindow{StartHour: 17, EndHour: 19}, Multiplier: decimal.RequireFromString("1.2")},
			{HourWindow: HourWindow{StartHour: 22, EndHour: 5}, Multiplier: decimal.RequireFromString("1.1")},
		},
		NightWindow:    HourWindow{StartHour: 22, EndHour: 6},
		NightChargePct: dec(10),
		VATRatePct:     dec(18),
		MinDistanceKm:  0.1,
		MaxDistanceKm:  500,
		BufferMinutes:  5,
		MinDurationMin: 10,
	}
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// Quote is the result of a fare estimate.
type Quote struct {
	DistanceKm  float64
	DurationMin int
	Breakdown   models.FareBreakdown
}

// Calculator maps distance, duration, category and time-of-day to a fare
// breakdown. Pure given its config; surge and VAT are pinned by the `at`
// argument so identical inputs always produce identical totals.
type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	if len(cfg.Categories) == 0 {
		cfg = DefaultConfig()
	}
	return &Calculator{cfg: cfg}
}

// Estimate validates the trip geometry and prices it from the estimated
// distance and duration.
func (c *Calculator) Estimate(pickup, dest models.Coord, category models.Category, at time.Time) (Quote, error) {
	distance := geo.HaversineKm(pickup.Lat, pickup.Lon, dest.Lat, dest.Lon)
	if err := c.validateDistance(distance); err != nil {
		return Quote{}, err
	}
	duration := c.EstimateDurationMin(distance, category)
	bd := c.breakdown(uuid.Nil, distance, duration, category, at)
	return Quote{DistanceKm: distance, DurationMin: duration, Breakdown: bd}, nil
}

// Finalize prices a finished ride from its actual distance and duration,
// falling back to the estimates when actuals were never reported.
func (c *Calculator) Finalize(ride *models.Ride, actualKm float64, actualMin int, at time.Time) (models.FareBreakdown, error) {
	if actualKm <= 0 {
		actualKm = ride.EstimatedDistanceKm
	}
	if actualMin <= 0 {
		actualMin = ride.EstimatedDurationMin
	}
	if err := c.validateDistance(actualKm); err != nil {
		return models.FareBreakdown{}, err
	}
	bd := c.breakdown(ride.ID, actualKm, actualMin, ride.Category, at)
	return bd, nil
}

// EstimateDurationMin converts distance to minutes using the category's
// speed constant, adds the fixed buffer and floors at the minimum.
func (c *Calculator) EstimateDurationMin(distanceKm float64, category models.Category) int {
	speed := c.rates(category).SpeedKmh
	if speed <= 0 {
		speed = 25
	}
	minutes := int(math.Ceil(distanceKm/speed*60)) + c.cfg.BufferMinutes
	if minutes < c.cfg.MinDurationMin {
		minutes = c.cfg.MinDurationMin
	}
	return minutes
}

// SurgeMultiplier returns the configured multiplier for the given time,
// 1.0 outside every window.
func (c *Calculator) SurgeMultiplier(at time.Time) decimal.Decimal {
	for _, w := range c.cfg.SurgeWindows {
		if w.Contains(at) {
			return w.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}

func (c *Calculator) validateDistance(distanceKm float64) error {
	if distanceKm < c.cfg.MinDistanceKm {
		return apperrors.Validationf("distance", "trip distance %.3f km is below the %.1f km minimum", distanceKm, c.cfg.MinDistanceKm)
	}
	if distanceKm > c.cfg.MaxDistanceKm {
		return apperrors.Validationf("distance", "trip distance %.1f km exceeds the %.0f km maximum", distanceKm, c.cfg.MaxDistanceKm)
	}
	return nil
}

func (c *Calculator) rates(category models.Category) Rates {
	if r, ok := c.cfg.Categories[category]; ok {
		return r
	}
	return c.cfg.Categories[models.CategoryStandard]
}

// breakdown is the single pricing routine behind Estimate and Finalize.
// All arithmetic is fixed-point decimal.
func (c *Calculator) breakdown(rideID uuid.UUID, distanceKm float64, durationMin int, category models.Category, at time.Time) models.FareBreakdown {
	r := c.rates(category)
	surge := c.SurgeMultiplier(at)

	distCharge := r.PerKm.Mul(decimal.NewFromFloat(distanceKm)).Round(2)
	timeCharge := r.PerMinute.Mul(decimal.NewFromInt(int64(durationMin)))

	subtotal := r.Base.Add(distCharge).Add(timeCharge)
	surgeCharge := subtotal.Mul(surge.Sub(decimal.NewFromInt(1))).Round(2)
	withSurge := subtotal.Add(surgeCharge)

	night := decimal.Zero
	if c.cfg.NightWindow.Contains(at) {
		night = withSurge.Mul(c.cfg.NightChargePct).Div(dec(100)).Round(2)
	}

	// toll, promo and loyalty are line items the pricing pipeline applies
	// before tax; they are zero until the relevant services feed them in
	toll := decimal.Zero
	promo := decimal.Zero
	loyalty := decimal.Zero

	adjusted := withSurge.Add(night).Add(toll).Sub(promo).Sub(loyalty)
	vat := adjusted.Mul(c.cfg.VATRatePct).Div(dec(100)).Round(2)

	return models.FareBreakdown{
		RideID:          rideID,
		BaseFare:        r.Base,
		PerKmRate:       r.PerKm,
		PerMinuteRate:   r.PerMinute,
		DistanceCharge:  distCharge,
		TimeCharge:      timeCharge,
		SurgeCharge:     surgeCharge,
		NightCharge:     night,
		TollCharge:      toll,
		PromoDiscount:   promo,
		LoyaltyDiscount: loyalty,
		SurgeMultiplier: surge,
		VATRate:         c.cfg.VATRatePct,
		VATAmount:       vat,
		Subtotal:        adjusted,
		TotalAmount:     adjusted.Add(vat),
		CreatedAt:       at,
	}
}
