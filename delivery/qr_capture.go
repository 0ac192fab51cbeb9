package delivery

import (
	"context"

	"github.com/nasa-jpl/deliverybot/qr"
)

// Decoder supplies decoded QR payload bytes, blocking until a code is
// read or ctx is cancelled. The real QR decoder (camera capture, image
// processing) is an external collaborator the core only consumes; voice
// input for order numbers is unsupported and has no Decoder
// implementation here.
type Decoder func(ctx context.Context) ([]byte, error)

// qrResult is the single-shot completion value a capture reports back
// through, modelled as a value delivered on a channel rather than a
// callback mutating the state machine, so the I/O goroutine can never
// re-enter Verifying's handler directly.
type qrResult struct {
	payload qr.Payload
	err     error
}

// startQRCapture launches decode on its own goroutine and returns a
// buffered channel that receives exactly one qrResult once decode
// returns or ctx is cancelled.
func startQRCapture(ctx context.Context, decode Decoder) <-chan qrResult {
	ch := make(chan qrResult, 1)
	go func() {
		raw, err := decode(ctx)
		if err != nil {
			ch <- qrResult{err: err}
			return
		}
		payload, err := qr.Parse(raw)
		ch <- qrResult{payload: payload, err: err}
	}()
	return ch
}
