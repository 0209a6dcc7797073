package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ridepool/marketplace-backend/booking"
	"github.com/ridepool/marketplace-backend/internal/identity"
	"github.com/ridepool/marketplace-backend/internal/middleware"
	"github.com/ridepool/marketplace-backend/internal/o11y"
	"github.com/ridepool/marketplace-backend/notify"
	"github.com/ridepool/marketplace-backend/payments"
	"github.com/ridepool/marketplace-backend/pin"
	"github.com/ridepool/marketplace-backend/ride"
	"github.com/ridepool/marketplace-backend/user"
)

var (
	seatConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seat_reservation_conflicts_total",
		Help: "Number of seat reservations rejected for insufficient inventory",
	})
	pinFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pickup_pin_failures_total",
		Help: "Number of failed pickup pin verifications",
	})
)

type Config struct {
	Users    *user.Repository
	Rides    *ride.Repository
	Bookings *booking.Repository
	Pins     *pin.Service

	Payments payments.Authorizer
	Notifier notify.Notifier
	Resolver identity.Resolver

	Obs *o11y.Observability

	// AuthMiddleware validates credentials ahead of the Resolver. Nil when
	// the asserted resolver is in use.
	AuthMiddleware gin.HandlerFunc

	MetricsUsername string
	MetricsPassword string
}

type API struct {
	r   *gin.Engine
	cfg Config
}

func New(cfg Config) *API {
	a := &API{
		r:   gin.New(),
		cfg: cfg,
	}

	a.r.Use(gin.Recovery())
	if cfg.Obs != nil {
		a.r.Use(middleware.Tracing())
		a.r.Use(middleware.Logging(cfg.Obs.Logger))
		a.r.Use(middleware.Metrics(cfg.Obs.Registry))
		cfg.Obs.Registry.MustRegister(seatConflictsTotal, pinFailuresTotal)

		metrics := a.r.Group("/metrics", gin.BasicAuth(gin.Accounts{
			cfg.MetricsUsername: cfg.MetricsPassword,
		}))
		metrics.GET("", gin.WrapH(promhttp.HandlerFor(cfg.Obs.Registry, promhttp.HandlerOpts{})))
	}

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := a.r.Group("/")
	if cfg.AuthMiddleware != nil {
		authed.Use(cfg.AuthMiddleware)
	}
	{
		authed.PUT("/profile", a.updateProfileHandler)

		authed.POST("/rides", a.publishRideHandler)
		authed.GET("/rides", a.listRidesHandler)
		authed.GET("/rides/:rideId", a.getRideHandler)
		authed.POST("/rides/:rideId/start", a.startRideHandler)
		authed.POST("/rides/:rideId/complete", a.completeRideHandler)
		authed.POST("/rides/:rideId/cancel", a.cancelRideHandler)
		authed.GET("/rides/:rideId/bookings", a.listRideBookingsHandler)
		authed.POST("/rides/:rideId/bookings", a.createBookingHandler)

		authed.GET("/bookings", a.getBookingsHandler)
		authed.GET("/bookings/:bookingId", a.getBookingHandler)
		authed.POST("/bookings/:bookingId/accept", a.acceptBookingHandler)
		authed.POST("/bookings/:bookingId/reject", a.rejectBookingHandler)
		authed.POST("/bookings/:bookingId/cancel", a.cancelBookingHandler)
		authed.PATCH("/bookings/:bookingId", a.updateBookingHandler)
		authed.GET("/bookings/:bookingId/pin", a.revealPinHandler)
		authed.POST("/bookings/:bookingId/verify-pickup", a.verifyPickupHandler)
	}

	return a
}

func (a *API) Router() *gin.Engine {
	return a.r
}

// currentUser resolves the caller and loads (or bootstraps) their account.
// It writes the error response itself and returns nil on failure.
func (a *API) currentUser(c *gin.Context) *user.User {
	subject, ok := a.cfg.Resolver.Subject(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
		return nil
	}

	u, err := a.cfg.Users.GetBySubject(c, subject)
	if errors.Is(err, user.ErrNotFound) {
		u, err = a.cfg.Users.Create(c, subject)
	}
	if err != nil {
		middleware.GetLogger(c).ErrorContext(c, "failed to load user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil
	}
	return u
}

type updateProfileRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (a *API) updateProfileHandler(c *gin.Context) {
	u := a.currentUser(c)
	if u == nil {
		return
	}

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	if err := a.cfg.Users.UpdateProfile(c, u.Subject, req.Email, req.Name); err != nil {
		middleware.GetLogger(c).ErrorContext(c, "failed to update profile", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// notifyBestEffort delivers a notification and only logs on failure. A state
// transition that already committed is never rolled back for delivery.
func (a *API) notifyBestEffort(c *gin.Context, recipient uuid.UUID, event string, payload any) {
	if err := a.cfg.Notifier.Notify(c, recipient, event, payload); err != nil {
		middleware.GetLogger(c).WarnContext(c, "notification delivery failed",
			"event", event, "recipient", recipient.String(), "error", err)
	}
}
