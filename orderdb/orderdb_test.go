package orderdb

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestExistsSucceedsOnFirstTry(t *testing.T) {
	c := New(Fake(map[int]string{7: "secret"}), time.Second)
	ok, err := c.Exists(context.Background(), 7, "secret")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("expected a known (id, key) pair to exist")
	}
}

func TestExistsReturnsFalseForMismatchedSecret(t *testing.T) {
	c := New(Fake(map[int]string{7: "secret"}), time.Second)
	ok, err := c.Exists(context.Background(), 7, "wrong")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("expected a mismatched secret key to not exist")
	}
}

func TestExistsReturnsFalseForUnknownOrder(t *testing.T) {
	c := New(Fake(map[int]string{7: "secret"}), time.Second)
	ok, err := c.Exists(context.Background(), 99, "secret")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("expected an unknown order id to not exist")
	}
}

func TestExistsRetriesTransientFailureThenSucceeds(t *testing.T) {
	var calls int
	lookup := Lookup(func(_ context.Context, orderID int, secretKey string) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("transient lookup failure")
		}
		return orderID == 7 && secretKey == "secret", nil
	})

	c := New(lookup, 5*time.Second)
	ok, err := c.Exists(context.Background(), 7, "secret")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("expected Exists to eventually succeed")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExistsGivesUpAfterMaxElapsed(t *testing.T) {
	lookup := Lookup(func(context.Context, int, string) (bool, error) {
		return false, errors.New("permanent lookup failure")
	})

	c := New(lookup, 120*time.Millisecond)
	_, err := c.Exists(context.Background(), 7, "secret")
	if err == nil {
		t.Fatal("expected Exists to give up and return an error")
	}
}

func TestHTTPLookupQueriesExistsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/exists" {
			http.NotFound(w, r)
			return
		}
		exists := r.URL.Query().Get("order_id") == "7" && r.URL.Query().Get("secret_key") == "secret"
		fmt.Fprintf(w, `{"exists":%v}`, exists)
	}))
	defer srv.Close()

	c := New(HTTP(srv.URL, nil), time.Second)
	ok, err := c.Exists(context.Background(), 7, "secret")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("expected the service's known order to exist")
	}
	ok, err = c.Exists(context.Background(), 7, "wrong")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("expected a mismatched secret key to not exist")
	}
}

func TestHTTPLookupSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(HTTP(srv.URL, nil), 100*time.Millisecond)
	if _, err := c.Exists(context.Background(), 7, "secret"); err == nil {
		t.Fatal("expected an error from a failing order database")
	}
}

func TestExistsRespectsContextCancellation(t *testing.T) {
	lookup := Lookup(func(context.Context, int, string) (bool, error) {
		return false, errors.New("always fails")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(lookup, 5*time.Second)
	if _, err := c.Exists(ctx, 7, "secret"); err == nil {
		t.Fatal("expected Exists to fail fast on an already-cancelled context")
	}
}
