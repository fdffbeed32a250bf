// Package metrics defines and registers the custom Prometheus metrics of the
// inventory auth API. It is the single source of truth for metric names,
// labels, and help strings. Metrics register with the default registry on
// package load.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inventory_auth"

// ── Token metrics ─────────────────────────────────────────────────────────────

// TokensIssuedTotal counts tokens minted on register and login.
var TokensIssuedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Total number of bearer tokens issued.",
	},
)

// TokenRejectionsTotal counts bearer tokens refused by the auth middleware.
// Unlabelled: rejection reasons are not exported.
var TokenRejectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_rejections_total",
		Help:      "Total number of requests rejected for a missing or invalid token.",
	},
)

// ── Credential metrics ────────────────────────────────────────────────────────

// RegistrationsTotal counts registration attempts.
// Label:
//   - result: "created", "duplicate", "invalid" or "error"
var RegistrationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Total number of registration attempts, by result.",
	},
	[]string{"result"},
)

// LoginsTotal counts login attempts.
// Label:
//   - result: "success", "invalid" or "error"
var LoginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Total number of login attempts, by result.",
	},
	[]string{"result"},
)

// PasswordOpDuration measures register and login calls, which are dominated
// by bcrypt.
// Label:
//   - op: "register" or "login"
var PasswordOpDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "password_op_duration_seconds",
		Help:      "Duration of register and login calls, including password hashing.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	},
	[]string{"op"},
)
