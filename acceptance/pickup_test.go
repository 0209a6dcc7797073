package acceptance

import (
	"net/http"
	"testing"
)

// confirmAndStart walks a booking to the point where pickup verification is
// possible: accepted by the driver, ride underway.
func confirmAndStart(t *testing.T, ts *TestServer, driver, rideID, bookingID string) {
	t.Helper()
	w := ts.POST("/bookings/"+bookingID+"/accept", nil, as(driver))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}
	w = ts.POST("/rides/"+rideID+"/start", nil, as(driver))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to start ride: %d %s", w.Code, w.Body.String())
	}
}

// mangle flips the last digit so the result never matches the given pin.
func mangle(pin string) string {
	last := (pin[3]-'0'+1)%10 + '0'
	return pin[:3] + string(last)
}

func TestPickup_VerifySucceedsWithRevealedPin(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)
	confirmAndStart(t, ts, "driver-1", r.ID, b.ID)

	code := ts.RevealPin(t, "rider-1", b.ID)

	w := ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": code}, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var verified bookingResponse
	decode(t, w, &verified)
	if verified.PickupStatus != "picked_up" {
		t.Errorf("expected pickup status picked_up, got %s", verified.PickupStatus)
	}
	if verified.PickedUpAt == nil {
		t.Errorf("expected pickedUpAt to be set")
	}

	// Verifying again is harmless.
	w = ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": code}, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Errorf("expected repeat verification to succeed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPickup_RequiresRideInProgress(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}
	code := ts.RevealPin(t, "rider-1", b.ID)

	w = ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": code}, as("driver-1"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d before the ride starts, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
}

func TestPickup_WrongPinCountsDownAttempts(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)
	confirmAndStart(t, ts, "driver-1", r.ID, b.ID)

	code := ts.RevealPin(t, "rider-1", b.ID)

	w := ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": mangle(code)}, as("driver-1"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d: %s", http.StatusUnauthorized, w.Code, w.Body.String())
	}
	var resp struct {
		Code              string `json:"code"`
		RemainingAttempts int    `json:"remainingAttempts"`
	}
	decode(t, w, &resp)
	if resp.Code != "PIN_MISMATCH" {
		t.Errorf("expected code PIN_MISMATCH, got %s", resp.Code)
	}
	if resp.RemainingAttempts != 4 {
		t.Errorf("expected 4 remaining attempts, got %d", resp.RemainingAttempts)
	}
}

func TestPickup_LockoutAfterRepeatedFailures(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)
	confirmAndStart(t, ts, "driver-1", r.ID, b.ID)

	code := ts.RevealPin(t, "rider-1", b.ID)
	wrong := mangle(code)

	for i := 0; i < 5; i++ {
		w := ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": wrong}, as("driver-1"))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected status %d, got %d: %s", i+1, http.StatusUnauthorized, w.Code, w.Body.String())
		}
	}

	// Even the correct pin is rejected now.
	w := ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": code}, as("driver-1"))
	if w.Code != http.StatusLocked {
		t.Fatalf("expected status %d during lockout, got %d: %s", http.StatusLocked, w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["code"] != "PIN_LOCKED" {
		t.Errorf("expected code PIN_LOCKED, got %v", resp["code"])
	}

	// Once the lockout lapses the correct pin works again.
	ts.ExpireLockout(t, b.ID)
	w = ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": code}, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Errorf("expected verification to succeed after lockout, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPickup_ExpiredPinRejected(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)
	confirmAndStart(t, ts, "driver-1", r.ID, b.ID)

	code := ts.RevealPin(t, "rider-1", b.ID)
	ts.ExpirePin(t, b.ID)

	w := ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": code}, as("driver-1"))
	if w.Code != http.StatusGone {
		t.Fatalf("expected status %d, got %d: %s", http.StatusGone, w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["code"] != "PIN_EXPIRED" {
		t.Errorf("expected code PIN_EXPIRED, got %s", resp["code"])
	}
}

func TestPickup_BadFormatRejectedWithoutAttempt(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)
	confirmAndStart(t, ts, "driver-1", r.ID, b.ID)

	for _, bad := range []string{"123", "12345", "12a4", "    "} {
		w := ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": bad}, as("driver-1"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("pin %q: expected status %d, got %d: %s", bad, http.StatusBadRequest, w.Code, w.Body.String())
		}
	}

	// Malformed submissions never burn attempts.
	code := ts.RevealPin(t, "rider-1", b.ID)
	w := ts.POST("/bookings/"+b.ID+"/verify-pickup", map[string]string{"pin": mangle(code)}, as("driver-1"))
	var resp struct {
		RemainingAttempts int `json:"remainingAttempts"`
	}
	decode(t, w, &resp)
	if resp.RemainingAttempts != 4 {
		t.Errorf("expected 4 remaining attempts, got %d", resp.RemainingAttempts)
	}
}

func TestPickup_RevealIsRiderOnly(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	r := ts.PublishRide(t, "driver-1", 3, 0)
	b := ts.RequestBooking(t, "rider-1", r.ID, 1)

	w := ts.POST("/bookings/"+b.ID+"/accept", nil, as("driver-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("failed to accept booking: %d %s", w.Code, w.Body.String())
	}

	w = ts.GET("/bookings/"+b.ID+"/pin", as("driver-1"))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status %d for the driver, got %d: %s", http.StatusForbidden, w.Code, w.Body.String())
	}

	code := ts.RevealPin(t, "rider-1", b.ID)
	if len(code) != 4 {
		t.Errorf("expected a 4-digit pin, got %q", code)
	}
}
