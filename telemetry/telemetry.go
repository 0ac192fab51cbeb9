/*Package telemetry exposes a read-only HTTP introspection surface over
the delivery machine: a chi.Router with the logging middleware
installed, plus a single operator-facing write endpoint.
*/
package telemetry

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/deliverybot/delivery"
)

// Machine is the slice of *delivery.Machine telemetry reads from and
// writes to.
type Machine interface {
	State() delivery.State
	Context() delivery.DeliveryContext
	Transitions() []delivery.Transition
	Confirm()
}

// StatePayload is the JSON shape of GET /state.
type StatePayload struct {
	State            string  `json:"state"`
	OrderID          *int    `json:"order_id,omitempty"`
	RecoveryAttempts int     `json:"recovery_attempts"`
	LastError        *string `json:"last_error,omitempty"`
	PoseX            float64 `json:"pose_x"`
	PoseY            float64 `json:"pose_y"`
	PoseTheta        float64 `json:"pose_theta"`
}

// TransitionPayload is the JSON shape of one entry in GET /transitions.
type TransitionPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// BuildMux wires the read-only introspection routes and the confirm
// endpoint onto a fresh chi.Router.
func BuildMux(m Machine) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	root.Get("/state", stateHandler(m))
	root.Get("/transitions", transitionsHandler(m))
	root.Post("/state/confirm", confirmHandler(m))
	root.Get("/route-list", routeListHandler(root))

	return root
}

func stateHandler(m Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := m.Context()
		payload := StatePayload{
			State:            m.State().String(),
			OrderID:          ctx.OrderID,
			RecoveryAttempts: ctx.RecoveryAttempts,
			PoseX:            ctx.CurrentPose.X,
			PoseY:            ctx.CurrentPose.Y,
			PoseTheta:        ctx.CurrentPose.Theta,
		}
		if ctx.LastError != nil {
			s := ctx.LastError.Error()
			payload.LastError = &s
		}
		writeJSON(w, payload)
	}
}

func transitionsHandler(m Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transitions := m.Transitions()
		out := make([]TransitionPayload, len(transitions))
		for i, t := range transitions {
			out[i] = TransitionPayload{
				From:      t.From.String(),
				To:        t.To.String(),
				Reason:    t.Reason,
				Timestamp: t.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			}
		}
		writeJSON(w, out)
	}
}

// confirmHandler is Loading's operator-confirmation trigger: POST
// /state/confirm calls Machine.Confirm() directly, the same
// single-writer, never-blocking signal a physical button would send.
func confirmHandler(m Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Confirm()
		w.WriteHeader(http.StatusAccepted)
	}
}

// routeListHandler mirrors BuildMux's own route-list endpoint: every
// registered route, for a human poking the server to find its way
// around.
func routeListHandler(root chi.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var routes []string
		_ = chi.Walk(root, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			routes = append(routes, method+" "+route)
			return nil
		})
		sort.Strings(routes)
		writeJSON(w, routes)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
