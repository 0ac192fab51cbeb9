/*Package orderdb wraps the external order database's lookup with retry
semantics: the lookup is assumed side-effect free and fast, but must
still tolerate a handful of transient failures within a bounded total
wait.
*/
package orderdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// Lookup is the external order database's lookup function: does an
// order with this id and secret key exist? The real implementation
// (a network call, a local database) is supplied by the caller; this
// package only adds retry semantics around it.
type Lookup func(ctx context.Context, orderID int, secretKey string) (bool, error)

// Client retries a Lookup with an exponential backoff bounded by
// MaxElapsedTime, so a flaky database costs at most that long per query.
type Client struct {
	lookup     Lookup
	maxElapsed time.Duration
}

// New returns a Client wrapping lookup with retries bounded by
// maxElapsed.
func New(lookup Lookup, maxElapsed time.Duration) *Client {
	return &Client{lookup: lookup, maxElapsed: maxElapsed}
}

// Exists reports whether (orderID, secretKey) is a known, matching
// order, retrying transient lookup failures until maxElapsed is spent.
func (c *Client) Exists(ctx context.Context, orderID int, secretKey string) (bool, error) {
	var exists bool
	op := func() error {
		e, err := c.lookup(ctx, orderID, secretKey)
		if err != nil {
			return err
		}
		exists = e
		return nil
	}

	b := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      c.maxElapsed,
		Clock:               backoff.SystemClock,
	}, ctx)

	if err := backoff.Retry(op, b); err != nil {
		return false, errors.Wrap(err, "orderdb: lookup failed")
	}
	return exists, nil
}

// Fake returns a Lookup backed by an in-memory set of known (id, key)
// pairs, for tests and the simulator.
func Fake(known map[int]string) Lookup {
	return func(_ context.Context, orderID int, secretKey string) (bool, error) {
		want, ok := known[orderID]
		return ok && want == secretKey, nil
	}
}

// HTTP returns a Lookup that queries an order-database service at base:
// GET <base>/orders/exists?order_id=N&secret_key=K, expecting a 200 with
// a JSON body {"exists": <bool>}. A nil client uses http.DefaultClient.
func HTTP(base string, client *http.Client) Lookup {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, orderID int, secretKey string) (bool, error) {
		q := url.Values{}
		q.Set("order_id", fmt.Sprint(orderID))
		q.Set("secret_key", secretKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/orders/exists?"+q.Encode(), nil)
		if err != nil {
			return false, errors.Wrap(err, "orderdb: building request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, errors.Wrap(err, "orderdb: querying order database")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("orderdb: order database returned %s", resp.Status)
		}
		var body struct {
			Exists bool `json:"exists"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, errors.Wrap(err, "orderdb: decoding response")
		}
		return body.Exists, nil
	}
}
