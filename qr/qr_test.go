package qr

import (
	"context"
	"testing"
	"time"

	"github.com/nasa-jpl/deliverybot/orderdb"
)

func TestParseRecoversValidPayload(t *testing.T) {
	p, err := Parse([]byte(`{"order_id":42,"secret_key":"abc"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.OrderID != 42 || p.SecretKey != "abc" {
		t.Errorf("got %+v, want OrderID=42 SecretKey=abc", p)
	}
}

func TestParseRejectsMissingField(t *testing.T) {
	_, err := Parse([]byte(`{"order_id":42}`))
	if err == nil {
		t.Fatal("expected an error for a payload missing secret_key")
	}
}

func TestParseRejectsExtraField(t *testing.T) {
	_, err := Parse([]byte(`{"order_id":42,"secret_key":"abc","extra":"x"}`))
	if err == nil {
		t.Fatal("expected an error for a payload with an unexpected extra field")
	}
}

func TestParseRejectsWrongTypes(t *testing.T) {
	cases := []string{
		`{"order_id":"42","secret_key":"abc"}`,
		`{"order_id":42,"secret_key":7}`,
		`{"order_id":42.5,"secret_key":"abc"}`,
		`not json at all`,
		`[]`,
		`{}`,
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c)); err == nil {
			t.Errorf("expected Parse(%q) to fail", c)
		}
	}
}

func TestVerifyRoundTripKnownOrder(t *testing.T) {
	db := orderdb.New(orderdb.Fake(map[int]string{42: "abc"}), time.Second)
	raw := Encode(42, "abc")
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	valid, err := Verify(context.Background(), p, db)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !valid || p.OrderID != 42 {
		t.Errorf("expected (valid=true, id=42), got (valid=%v, id=%d)", valid, p.OrderID)
	}
}

func TestVerifyRejectsMismatchedSecret(t *testing.T) {
	db := orderdb.New(orderdb.Fake(map[int]string{42: "abc"}), time.Second)
	p, err := Parse(Encode(42, "wrong"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	valid, err := Verify(context.Background(), p, db)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if valid {
		t.Error("expected mismatched secret key to be rejected")
	}
}
