package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ridepool/marketplace-backend/booking"
	"github.com/ridepool/marketplace-backend/internal/middleware"
	"github.com/ridepool/marketplace-backend/notify"
	"github.com/ridepool/marketplace-backend/pin"
)

type verifyPickupRequest struct {
	Pin string `json:"pin" binding:"required"`
}

func (a *API) verifyPickupHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	u := a.currentUser(c)
	if u == nil {
		return
	}

	bookingID, err := uuid.Parse(c.Param("bookingId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "Invalid bookingId"})
		return
	}

	var req verifyPickupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	// Format is checked before any credential is even looked up.
	if !pin.ValidFormat(req.Pin) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PIN_FORMAT", "message": "Pin must be exactly 4 digits"})
		return
	}

	b, err := a.cfg.Bookings.VerifyPickup(c, bookingID, u.ID, req.Pin, time.Now())
	if err != nil {
		if remaining, ok := booking.RemainingAttemptsFromError(err); ok {
			pinFailuresTotal.Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":              "PIN_MISMATCH",
				"message":           "Pin does not match",
				"remainingAttempts": remaining,
			})
			return
		}
		switch {
		case errors.Is(err, booking.ErrPinLocked):
			c.JSON(http.StatusLocked, gin.H{"code": "PIN_LOCKED", "message": "Too many failed attempts, try again later"})
		case errors.Is(err, booking.ErrPinExpired):
			c.JSON(http.StatusGone, gin.H{"code": "PIN_EXPIRED", "message": "Pickup pin has expired"})
		default:
			if !a.writeBookingError(c, err) {
				logger.ErrorContext(c, "failed to verify pickup", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}
		return
	}

	a.notifyBestEffort(c, b.RiderID, notify.EventPickupConfirmed, toBookingResponse(b))
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (a *API) revealPinHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	u := a.currentUser(c)
	if u == nil {
		return
	}

	bookingID, err := uuid.Parse(c.Param("bookingId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "Invalid bookingId"})
		return
	}

	code, err := a.cfg.Bookings.RevealPin(c, bookingID, u.ID, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrPinExpired):
			c.JSON(http.StatusGone, gin.H{"code": "PIN_EXPIRED", "message": "Pickup pin has expired"})
		default:
			if !a.writeBookingError(c, err) {
				logger.ErrorContext(c, "failed to reveal pin", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"pin": code})
}
