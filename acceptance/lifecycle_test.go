package acceptance

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestBooking_AcceptConfirmsAndReservesSeats(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 2)

	if b.Status != "pending" {
		t.Fatalf("expected new booking to be pending, got %s", b.Status)
	}
	// Nothing is reserved until the driver accepts.
	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 3 {
		t.Errorf("expected 3 available seats before acceptance, got %d", got.AvailableSeats)
	}

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var accepted bookingResponse
	decode(t, w, &accepted)

	if accepted.Status != "confirmed" {
		t.Errorf("expected status confirmed, got %s", accepted.Status)
	}
	if accepted.PinExpiresAt == nil {
		t.Fatalf("expected a pin expiry on the confirmed booking")
	}
	expiry := time.Until(*accepted.PinExpiresAt)
	if expiry < 23*time.Hour || expiry > 25*time.Hour {
		t.Errorf("expected pin to expire in about 24h, got %s", expiry)
	}

	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 1 {
		t.Errorf("expected 1 available seat after acceptance, got %d", got.AvailableSeats)
	}

	events := ts.Notifier.SentEvents()
	if len(events) != 2 || events[0] != "booking.requested" || events[1] != "booking.accepted" {
		t.Errorf("expected requested+accepted notifications, got %v", events)
	}
}

func TestBooking_RejectLeavesSeatsUntouched(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 2)

	w := ts.POST("/bookings/"+b.ID+"/reject", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var rejected bookingResponse
	decode(t, w, &rejected)
	if rejected.Status != "rejected" {
		t.Errorf("expected status rejected, got %s", rejected.Status)
	}

	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 3 {
		t.Errorf("expected 3 available seats after rejection, got %d", got.AvailableSeats)
	}
}

func TestBooking_CancelConfirmedRestoresSeats(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 2)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}

	w = ts.POST("/bookings/"+b.ID+"/cancel", nil, as("rider-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 3 {
		t.Errorf("expected 3 available seats after cancellation, got %d", got.AvailableSeats)
	}
}

func TestBooking_CancelPendingLeavesSeatsUntouched(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 2)

	w := ts.POST("/bookings/"+b.ID+"/cancel", nil, as("rider-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 3 {
		t.Errorf("expected 3 available seats after cancelling a pending booking, got %d", got.AvailableSeats)
	}
}

func TestBooking_SecondOpenBookingRejected(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 4, 0)
	ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/rides/"+r.ID+"/bookings", map[string]interface{}{
		"seats":     1,
		"pickupLat": 52.53,
		"pickupLng": 13.41,
	}, as("rider-1"))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["code"] != "ALREADY_BOOKED" {
		t.Errorf("expected code ALREADY_BOOKED, got %s", resp["code"])
	}
}

func TestBooking_AcceptRequiresDriver(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("rider-2"))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d: %s", http.StatusForbidden, w.Code, w.Body.String())
	}
}

func TestBooking_DeclinedPaymentCreatesNothing(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 1500)
	ts.Payments.Decline = true

	w := ts.POST("/rides/"+r.ID+"/bookings", map[string]interface{}{
		"seats":     2,
		"pickupLat": 52.53,
		"pickupLng": 13.41,
	}, as("rider-1"))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status %d, got %d: %s", http.StatusPaymentRequired, w.Code, w.Body.String())
	}

	w = ts.GET("/bookings", as("rider-1"))
	var bookings []bookingResponse
	decode(t, w, &bookings)
	if len(bookings) != 0 {
		t.Errorf("expected no bookings after a declined payment, got %d", len(bookings))
	}
}

func TestBooking_AuthorizesFullFare(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 1500)
	b := ts.RequestBooking(t, "rider-1", r.ID, 2)

	if b.PaymentRef == "" {
		t.Errorf("expected a payment reference on the booking")
	}
	if len(ts.Payments.Authorized) != 1 {
		t.Fatalf("expected one authorization, got %d", len(ts.Payments.Authorized))
	}
	if got := ts.Payments.Authorized[0].Amount; got != 3000 {
		t.Errorf("expected authorization for 3000, got %d", got)
	}

	// The first priced booking registers the rider as a payer; later ones
	// reuse the stored reference.
	if len(ts.Payments.Customers) != 1 {
		t.Fatalf("expected one payment customer, got %d", len(ts.Payments.Customers))
	}
	r2 := ts.PublishRide(t, "driver-2", 2, 1000)
	ts.RequestBooking(t, "rider-1", r2.ID, 1)
	if len(ts.Payments.Customers) != 1 {
		t.Errorf("expected the stored payment customer to be reused, got %d", len(ts.Payments.Customers))
	}
	if len(ts.Payments.Authorized) != 2 {
		t.Fatalf("expected two authorizations, got %d", len(ts.Payments.Authorized))
	}
	if ts.Payments.Authorized[1].PayerRef != ts.Payments.Authorized[0].PayerRef {
		t.Errorf("expected both authorizations against the same payer, got %q and %q",
			ts.Payments.Authorized[0].PayerRef, ts.Payments.Authorized[1].PayerRef)
	}
}

func TestBooking_UpdateSeatsOnConfirmedAdjustsInventory(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 4, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}

	w = ts.PATCH("/bookings/"+b.ID, map[string]interface{}{"seats": 3}, as("rider-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var updated bookingResponse
	decode(t, w, &updated)
	if updated.Seats != 3 {
		t.Errorf("expected 3 seats after update, got %d", updated.Seats)
	}

	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 1 {
		t.Errorf("expected 1 available seat after growing the booking, got %d", got.AvailableSeats)
	}
}

func TestBooking_UpdateSeatsDownReleasesInventory(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 4, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 3)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}
	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 1 {
		t.Fatalf("expected 1 available seat after acceptance, got %d", got.AvailableSeats)
	}

	w = ts.PATCH("/bookings/"+b.ID, map[string]interface{}{"seats": 1}, as("rider-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var updated bookingResponse
	decode(t, w, &updated)
	if updated.Seats != 1 {
		t.Errorf("expected 1 seat after update, got %d", updated.Seats)
	}

	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 3 {
		t.Errorf("expected 3 available seats after shrinking the booking, got %d", got.AvailableSeats)
	}
}

func TestBooking_UpdateSeatsBeyondCapacityRejected(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 2, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}

	w = ts.PATCH("/bookings/"+b.ID, map[string]interface{}{"seats": 4}, as("rider-1"))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["code"] != "INSUFFICIENT_SEATS" {
		t.Errorf("expected code INSUFFICIENT_SEATS, got %s", resp["code"])
	}

	// The failed adjustment must not have leaked any seats.
	if got := ts.GetRide(t, "driver-1", r.ID); got.AvailableSeats != 1 {
		t.Errorf("expected 1 available seat after the failed update, got %d", got.AvailableSeats)
	}
}

func TestRide_CompleteFinishesConfirmedBookings(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}
	w = ts.POST("/rides/"+r.ID+"/start", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to start ride: %d %s", w.Code, w.Body.String())
	}
	w = ts.POST("/rides/"+r.ID+"/complete", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to complete ride: %d %s", w.Code, w.Body.String())
	}

	w = ts.GET("/bookings/"+b.ID, as("rider-1"))
	var got bookingResponse
	decode(t, w, &got)
	if got.Status != "completed" {
		t.Errorf("expected booking to be completed with the ride, got %s", got.Status)
	}
}

// A rider's cancel racing the driver's complete on the same ride must both
// resolve cleanly, whichever commits first.
func TestRide_ConcurrentCompleteAndCancel(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}
	w = ts.POST("/rides/"+r.ID+"/start", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to start ride: %d %s", w.Code, w.Body.String())
	}

	var wg sync.WaitGroup
	results := make([]*httptest.ResponseRecorder, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = ts.POST("/rides/"+r.ID+"/complete", nil, as("driver-1"))
	}()
	go func() {
		defer wg.Done()
		results[1] = ts.POST("/bookings/"+b.ID+"/cancel", nil, as("rider-1"))
	}()
	wg.Wait()

	if results[0].Code != http.StatusOK {
		t.Errorf("expected complete to succeed, got %d: %s", results[0].Code, results[0].Body.String())
	}
	if c := results[1].Code; c != http.StatusOK && c != http.StatusConflict {
		t.Errorf("expected cancel to succeed or conflict, got %d: %s", c, results[1].Body.String())
	}

	w = ts.GET("/bookings/"+b.ID, as("rider-1"))
	var got bookingResponse
	decode(t, w, &got)
	if got.Status != "completed" && got.Status != "cancelled" {
		t.Errorf("expected booking to end completed or cancelled, got %s", got.Status)
	}
}

func TestBooking_Returns401WithoutAuth(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	w := ts.GET("/bookings", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}
