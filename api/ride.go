package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ridepool/marketplace-backend/internal/middleware"
	"github.com/ridepool/marketplace-backend/ride"
)

type publishRideRequest struct {
	OriginLat      float64 `json:"originLat" binding:"required"`
	OriginLng      float64 `json:"originLng" binding:"required"`
	DestinationLat float64 `json:"destinationLat" binding:"required"`
	DestinationLng float64 `json:"destinationLng" binding:"required"`
	DepartsAt      string  `json:"departsAt" binding:"required"`
	PricePerSeat   int64   `json:"pricePerSeat"`
	TotalSeats     int     `json:"totalSeats" binding:"required,min=1"`
}

type rideResponse struct {
	ID             uuid.UUID   `json:"id"`
	DriverID       uuid.UUID   `json:"driverId"`
	OriginLat      float64     `json:"originLat"`
	OriginLng      float64     `json:"originLng"`
	DestinationLat float64     `json:"destinationLat"`
	DestinationLng float64     `json:"destinationLng"`
	DepartsAt      time.Time   `json:"departsAt"`
	PricePerSeat   int64       `json:"pricePerSeat"`
	TotalSeats     int         `json:"totalSeats"`
	AvailableSeats int         `json:"availableSeats"`
	Status         ride.Status `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
}

func toRideResponse(r ride.Ride) rideResponse {
	return rideResponse{
		ID:             r.ID,
		DriverID:       r.DriverID,
		OriginLat:      r.Origin.P.X,
		OriginLng:      r.Origin.P.Y,
		DestinationLat: r.Destination.P.X,
		DestinationLng: r.Destination.P.Y,
		DepartsAt:      r.DepartsAt,
		PricePerSeat:   r.PricePerSeat,
		TotalSeats:     r.TotalSeats,
		AvailableSeats: r.AvailableSeats,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
	}
}

func point(lat, lng float64) pgtype.Point {
	return pgtype.Point{P: pgtype.Vec2{X: lat, Y: lng}, Valid: true}
}

func (a *API) publishRideHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	u := a.currentUser(c)
	if u == nil {
		return
	}

	var req publishRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	departsAt, err := time.Parse(time.RFC3339, req.DepartsAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "Invalid departsAt format"})
		return
	}

	r := &ride.Ride{
		ID:           uuid.New(),
		DriverID:     u.ID,
		Origin:       point(req.OriginLat, req.OriginLng),
		Destination:  point(req.DestinationLat, req.DestinationLng),
		DepartsAt:    departsAt,
		PricePerSeat: req.PricePerSeat,
		TotalSeats:   req.TotalSeats,
	}
	if err := a.cfg.Rides.Publish(c, r); err != nil {
		logger.ErrorContext(c, "failed to publish ride", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, toRideResponse(*r))
}

func (a *API) listRidesHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	u := a.currentUser(c)
	if u == nil {
		return
	}

	rides, err := a.cfg.Rides.ListByDriver(c, u.ID)
	if err != nil {
		logger.ErrorContext(c, "failed to list rides", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	responses := make([]rideResponse, 0, len(rides))
	for _, r := range rides {
		responses = append(responses, toRideResponse(r))
	}
	c.JSON(http.StatusOK, responses)
}

func (a *API) getRideHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	if u := a.currentUser(c); u == nil {
		return
	}

	rideID, err := uuid.Parse(c.Param("rideId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "Invalid rideId"})
		return
	}

	r, err := a.cfg.Rides.GetByID(c, rideID)
	if err != nil {
		if errors.Is(err, ride.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "RIDE_NOT_FOUND", "message": "Ride not found"})
			return
		}
		logger.ErrorContext(c, "failed to get ride", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, toRideResponse(r))
}

func (a *API) startRideHandler(c *gin.Context) {
	a.rideTransitionHandler(c, a.cfg.Rides.Start)
}

func (a *API) completeRideHandler(c *gin.Context) {
	a.rideTransitionHandler(c, a.cfg.Rides.Complete)
}

func (a *API) cancelRideHandler(c *gin.Context) {
	a.rideTransitionHandler(c, a.cfg.Rides.Cancel)
}

func (a *API) rideTransitionHandler(c *gin.Context, transition func(ctx context.Context, id, driverID uuid.UUID) (ride.Ride, error)) {
	logger := middleware.GetLogger(c)

	u := a.currentUser(c)
	if u == nil {
		return
	}

	rideID, err := uuid.Parse(c.Param("rideId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "Invalid rideId"})
		return
	}

	r, err := transition(c, rideID, u.ID)
	if err != nil {
		switch {
		case errors.Is(err, ride.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": "RIDE_NOT_FOUND", "message": "Ride not found"})
		case errors.Is(err, ride.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"code": "NOT_OWNER", "message": "Not authorized to modify this ride"})
		case errors.Is(err, ride.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"code": "INVALID_STATE", "message": "Ride status does not allow this transition"})
		default:
			logger.ErrorContext(c, "failed to transition ride", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, toRideResponse(r))
}
