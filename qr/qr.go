/*Package qr parses and verifies the textual payload decoded from a
customer's QR code. The decoder itself (camera capture, image
processing) is an external collaborator the core only consumes; this
package starts from already-decoded bytes.
*/
package qr

import (
	"context"
	"encoding/json"
	"math"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/deliverybot/orderdb"
)

// Payload is the two-field object a valid QR code decodes to.
type Payload struct {
	OrderID   int    `mapstructure:"order_id"`
	SecretKey string `mapstructure:"secret_key"`
}

// ErrMalformedPayload is returned for anything other than exactly the two
// named fields order_id (integer) and secret_key (non-empty string).
var ErrMalformedPayload = errors.New("qr: malformed payload")

// Parse decodes raw into a Payload, rejecting any shape other than
// exactly {order_id: <int>, secret_key: <string>}.
func Parse(raw []byte) (Payload, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Payload{}, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	if len(generic) != 2 {
		return Payload{}, ErrMalformedPayload
	}

	idVal, ok := generic["order_id"]
	if !ok {
		return Payload{}, ErrMalformedPayload
	}
	keyVal, ok := generic["secret_key"]
	if !ok {
		return Payload{}, ErrMalformedPayload
	}

	idFloat, ok := idVal.(float64)
	if !ok || idFloat != math.Trunc(idFloat) {
		return Payload{}, ErrMalformedPayload
	}
	keyStr, ok := keyVal.(string)
	if !ok || keyStr == "" {
		return Payload{}, ErrMalformedPayload
	}

	var payload Payload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &payload,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Payload{}, errors.Wrap(err, "qr: building decoder")
	}
	if err := dec.Decode(map[string]interface{}{
		"order_id":   int(idFloat),
		"secret_key": keyStr,
	}); err != nil {
		return Payload{}, ErrMalformedPayload
	}
	return payload, nil
}

// Encode renders id/key back into the wire payload shape, used by tests
// to round-trip a known order through Parse and Verify.
func Encode(id int, key string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"order_id":   id,
		"secret_key": key,
	})
	return b
}

// Verify looks the payload's order up in the order database, returning
// whether it is a known, matching order.
func Verify(ctx context.Context, p Payload, db *orderdb.Client) (bool, error) {
	return db.Exists(ctx, p.OrderID, p.SecretKey)
}
