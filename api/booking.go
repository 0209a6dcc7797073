package api

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ridepool/marketplace-backend/booking"
	"github.com/ridepool/marketplace-backend/internal/middleware"
	"github.com/ridepool/marketplace-backend/notify"
	"github.com/ridepool/marketplace-backend/payments"
	"github.com/ridepool/marketplace-backend/ride"
)

type bookingResponse struct {
	ID           uuid.UUID            `json:"id"`
	RideID       uuid.UUID            `json:"rideId"`
	RiderID      uuid.UUID            `json:"riderId"`
	Seats        int                  `json:"seats"`
	PickupLat    float64              `json:"pickupLat"`
	PickupLng    float64              `json:"pickupLng"`
	Status       booking.Status       `json:"status"`
	PickupStatus booking.PickupStatus `json:"pickupStatus"`
	PaymentRef   string               `json:"paymentRef,omitempty"`
	PinExpiresAt *time.Time           `json:"pinExpiresAt,omitempty"`
	PickedUpAt   *time.Time           `json:"pickedUpAt,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
}

func toBookingResponse(b booking.Booking) bookingResponse {
	resp := bookingResponse{
		ID:           b.ID,
		RideID:       b.RideID,
		RiderID:      b.RiderID,
		Seats:        b.Seats,
		PickupLat:    b.PickupPoint.P.X,
		PickupLng:    b.PickupPoint.P.Y,
		Status:       b.Status,
		PickupStatus: b.PickupStatus,
		PaymentRef:   b.PaymentRef.String,
		CreatedAt:    b.CreatedAt,
	}
	if b.PinExpiresAt.Valid {
		resp.PinExpiresAt = &b.PinExpiresAt.Time
	}
	if b.PickedUpAt.Valid {
		resp.PickedUpAt = &b.PickedUpAt.Time
	}
	return resp
}

type createBookingRequest struct {
	Seats     int     `json:"seats" binding:"required,min=1"`
	PickupLat float64 `json:"pickupLat"`
	PickupLng float64 `json:"pickupLng"`
}

func (a *API) createBookingHandler(c *gin.Context) {
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

	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
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

	// Authorize (but do not capture) the fare up front. The reference
	// travels with the booking; a declined card never creates one.
	var paymentRef sql.NullString
	if r.PricePerSeat > 0 {
		payer := u.StripeID.String
		if payer == "" {
			created, err := a.cfg.Payments.CreateCustomer(c, u.Email.String)
			if err != nil {
				logger.ErrorContext(c, "failed to create payment customer", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			if err := a.cfg.Users.AddStripeID(c, u.Subject, created); err != nil {
				logger.ErrorContext(c, "failed to store payment customer", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			payer = created
		}

		ref, err := a.cfg.Payments.Authorize(c, r.PricePerSeat*int64(req.Seats), payer)
		if err != nil {
			if errors.Is(err, payments.ErrDeclined) {
				c.JSON(http.StatusPaymentRequired, gin.H{"code": "PAYMENT_DECLINED", "message": "Payment authorization declined"})
				return
			}
			logger.ErrorContext(c, "failed to authorize payment", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		paymentRef = sql.NullString{String: ref, Valid: true}
	}

	b := &booking.Booking{
		ID:          uuid.New(),
		RideID:      rideID,
		RiderID:     u.ID,
		Seats:       req.Seats,
		PickupPoint: point(req.PickupLat, req.PickupLng),
		PaymentRef:  paymentRef,
	}
	if err := a.cfg.Bookings.Create(c, b); err != nil {
		if !a.writeBookingError(c, err) {
			logger.ErrorContext(c, "failed to create booking", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	a.notifyBestEffort(c, r.DriverID, notify.EventBookingRequested, toBookingResponse(*b))
	c.JSON(http.StatusCreated, toBookingResponse(*b))
}

func (a *API) getBookingsHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	u := a.currentUser(c)
	if u == nil {
		return
	}

	bookings, err := a.cfg.Bookings.ListByRider(c, u.ID)
	if err != nil {
		logger.ErrorContext(c, "failed to list bookings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	responses := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		responses = append(responses, toBookingResponse(b))
	}
	c.JSON(http.StatusOK, responses)
}

func (a *API) getBookingHandler(c *gin.Context) {
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

	b, err := a.cfg.Bookings.GetByID(c, bookingID)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "BOOKING_NOT_FOUND", "message": "Booking not found"})
			return
		}
		logger.ErrorContext(c, "failed to get booking", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Visible to its rider and to the driver of its ride.
	if b.RiderID != u.ID {
		r, err := a.cfg.Rides.GetByID(c, b.RideID)
		if err != nil || r.DriverID != u.ID {
			c.JSON(http.StatusForbidden, gin.H{"code": "NOT_OWNER", "message": "Not authorized to view this booking"})
			return
		}
	}

	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (a *API) listRideBookingsHandler(c *gin.Context) {
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
	if r.DriverID != u.ID {
		c.JSON(http.StatusForbidden, gin.H{"code": "NOT_OWNER", "message": "Not authorized to view this ride's bookings"})
		return
	}

	bookings, err := a.cfg.Bookings.ListByRide(c, rideID)
	if err != nil {
		logger.ErrorContext(c, "failed to list ride bookings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	responses := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		responses = append(responses, toBookingResponse(b))
	}
	c.JSON(http.StatusOK, responses)
}

func (a *API) acceptBookingHandler(c *gin.Context) {
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

	cred, err := a.cfg.Pins.Issue(time.Now())
	if err != nil {
		logger.ErrorContext(c, "failed to issue pickup pin", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	b, err := a.cfg.Bookings.Accept(c, bookingID, u.ID, cred)
	if err != nil {
		if errors.Is(err, ride.ErrInsufficientSeats) {
			seatConflictsTotal.Inc()
		}
		if !a.writeBookingError(c, err) {
			logger.ErrorContext(c, "failed to accept booking", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	a.notifyBestEffort(c, b.RiderID, notify.EventBookingAccepted, toBookingResponse(b))
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (a *API) rejectBookingHandler(c *gin.Context) {
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

	b, err := a.cfg.Bookings.Reject(c, bookingID, u.ID)
	if err != nil {
		if !a.writeBookingError(c, err) {
			logger.ErrorContext(c, "failed to reject booking", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	a.notifyBestEffort(c, b.RiderID, notify.EventBookingRejected, toBookingResponse(b))
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (a *API) cancelBookingHandler(c *gin.Context) {
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

	b, err := a.cfg.Bookings.Cancel(c, bookingID, u.ID)
	if err != nil {
		if !a.writeBookingError(c, err) {
			logger.ErrorContext(c, "failed to cancel booking", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	if r, err := a.cfg.Rides.GetByID(c, b.RideID); err == nil {
		a.notifyBestEffort(c, r.DriverID, notify.EventBookingCancelled, toBookingResponse(b))
	}
	c.JSON(http.StatusOK, toBookingResponse(b))
}

type updateBookingRequest struct {
	Seats     *int     `json:"seats"`
	PickupLat *float64 `json:"pickupLat"`
	PickupLng *float64 `json:"pickupLng"`
}

func (a *API) updateBookingHandler(c *gin.Context) {
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

	var req updateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	if (req.PickupLat == nil) != (req.PickupLng == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "pickupLat and pickupLng must be set together"})
		return
	}

	var newPoint *pgtype.Point
	if req.PickupLat != nil {
		p := point(*req.PickupLat, *req.PickupLng)
		newPoint = &p
	}

	b, err := a.cfg.Bookings.Update(c, bookingID, u.ID, req.Seats, newPoint)
	if err != nil {
		if errors.Is(err, ride.ErrInsufficientSeats) {
			seatConflictsTotal.Inc()
		}
		if !a.writeBookingError(c, err) {
			logger.ErrorContext(c, "failed to update booking", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, toBookingResponse(b))
}

// writeBookingError maps the expected business failures shared by the
// booking transitions. It reports whether it handled the error.
func (a *API) writeBookingError(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "BOOKING_NOT_FOUND", "message": "Booking not found"})
	case errors.Is(err, ride.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "RIDE_NOT_FOUND", "message": "Ride not found"})
	case errors.Is(err, booking.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"code": "NOT_OWNER", "message": "Not authorized to act on this booking"})
	case errors.Is(err, booking.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"code": "INVALID_STATE", "message": "Current status does not allow this transition"})
	case errors.Is(err, booking.ErrAlreadyBooked):
		c.JSON(http.StatusConflict, gin.H{"code": "ALREADY_BOOKED", "message": "You already have an open booking on this ride"})
	case errors.Is(err, ride.ErrInsufficientSeats):
		c.JSON(http.StatusConflict, gin.H{"code": "INSUFFICIENT_SEATS", "message": "Not enough seats available"})
	case errors.Is(err, booking.ErrInvalidSeats):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SEATS", "message": "Seat count must be at least 1"})
	default:
		return false
	}
	return true
}
