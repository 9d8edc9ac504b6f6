package dispatch

import (
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier is the outbound notification collaborator. All methods are
// fire-and-forget from the core's perspective: failures are logged by
// the caller and never affect ride state.
type Notifier interface {
	// OfferCreated tells a driver they have a time-boxed offer.
	OfferCreated(ride *models.Ride, offer *models.RideOffer) error
	// RideEvent tells a party that something happened to their ride.
	RideEvent(event string, ride *models.Ride, role models.ActorRole) error
}

// Pusher delivers a payload to a user through some push channel.
type Pusher interface {
	Push(userID string, payload any) error
}

// Hub fans notifications out over the live WebSocket session when one
// exists and falls back to the push channel otherwise. It also
// implements the lifecycle status publisher.
type Hub struct {
	WS     *WSRegistry
	Push   Pusher
	Logger *slog.Logger
}

func NewHub(ws *WSRegistry, push Pusher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{WS: ws, Push: push, Logger: logger}
}

func (h *Hub) OfferCreated(ride *models.Ride, offer *models.RideOffer) error {
	payload := map[string]any{
		"type":            "ride_offer",
		"offer_id":        offer.ID,
		"ride_id":         ride.ID,
		"pickup":          ride.Pickup,
		"destination":     ride.Destination,
		"category":        ride.Category,
		"distance_km":     offer.DistanceToPickupKm,
		"arrival_minutes": offer.ArrivalMinutes,
		"expires_at":      offer.ExpiresAt,
	}
	return h.send(offer.DriverID, payload)
}

func (h *Hub) RideEvent(event string, ride *models.Ride, role models.ActorRole) error {
	target := ride.CustomerID
	if role == models.RoleDriver {
		target = ride.DriverID
	}
	if target == "" {
		return nil
	}
	return h.send(target, map[string]any{
		"type":    "ride_event",
		"event":   event,
		"ride_id": ride.ID,
		"status":  ride.Status,
	})
}

// PublishStatusChange relays a committed transition to both parties.
func (h *Hub) PublishStatusChange(ev models.RideStatusEvent, ride *models.Ride) {
	payload := map[string]any{
		"type":        "status_change",
		"ride_id":     ev.RideID,
		"from_status": ev.From,
		"to_status":   ev.To,
		"timestamp":   ev.CreatedAt.Format(time.RFC3339),
	}
	for _, target := range []string{ride.CustomerID, ride.DriverID} {
		if target == "" {
			continue
		}
		if err := h.send(target, payload); err != nil {
			h.Logger.Debug("status broadcast skipped", "user_id", target, "error", err)
		}
	}
}

func (h *Hub) send(userID string, payload any) error {
	if h.WS != nil {
		if err := h.WS.Send(userID, payload); err == nil {
			return nil
		}
	}
	if h.Push != nil {
		return h.Push.Push(userID, payload)
	}
	return ErrNoSession
}
