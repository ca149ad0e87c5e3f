package leader

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"soloist/internal/frame"
)

// Payload kinds used as the "kind" label on received messages.
const (
	KindAbsent = "absent"
	KindEmpty  = "empty"
	KindText   = "text"
)

// Metrics records leader activity for one identity. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	accepted       prometheus.Counter
	received       *prometheus.CounterVec
	protocolErrors prometheus.Counter
	callbackErrors prometheus.Counter
	inFlight       prometheus.Gauge
	duration       prometheus.Observer
}

type collectors struct {
	accepted       *prometheus.CounterVec
	received       *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	callbackErrors *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	duration       *prometheus.HistogramVec
}

func newCollectors() collectors {
	return collectors{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soloist",
			Subsystem: "leader",
			Name:      "connections_accepted_total",
			Help:      "Follower connections accepted by the leader.",
		}, []string{"identity"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soloist",
			Subsystem: "leader",
			Name:      "messages_received_total",
			Help:      "Messages received from followers by payload kind.",
		}, []string{"identity", "kind"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soloist",
			Subsystem: "leader",
			Name:      "protocol_errors_total",
			Help:      "Connections dropped because of malformed frames or I/O failures.",
		}, []string{"identity"}),
		callbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soloist",
			Subsystem: "leader",
			Name:      "callback_errors_total",
			Help:      "Receive hook invocations that returned an error or panicked.",
		}, []string{"identity"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "soloist",
			Subsystem: "leader",
			Name:      "exchanges_in_flight",
			Help:      "Follower exchanges currently being served.",
		}, []string{"identity"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "soloist",
			Subsystem: "leader",
			Name:      "exchange_duration_seconds",
			Help:      "Time from accept to response for one follower exchange.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"identity"}),
	}
}

// NewMetrics registers the leader collectors on reg and binds them to identity.
// Collectors already registered by another leader on the same registry are
// reused.
func NewMetrics(reg prometheus.Registerer, identity string) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	c := newCollectors()
	var err error
	if c.accepted, err = register(reg, c.accepted); err != nil {
		return nil, err
	}
	if c.received, err = register(reg, c.received); err != nil {
		return nil, err
	}
	if c.protocolErrors, err = register(reg, c.protocolErrors); err != nil {
		return nil, err
	}
	if c.callbackErrors, err = register(reg, c.callbackErrors); err != nil {
		return nil, err
	}
	if c.inFlight, err = register(reg, c.inFlight); err != nil {
		return nil, err
	}
	if c.duration, err = register(reg, c.duration); err != nil {
		return nil, err
	}
	return &Metrics{
		accepted:       c.accepted.WithLabelValues(identity),
		received:       c.received.MustCurryWith(prometheus.Labels{"identity": identity}),
		protocolErrors: c.protocolErrors.WithLabelValues(identity),
		callbackErrors: c.callbackErrors.WithLabelValues(identity),
		inFlight:       c.inFlight.WithLabelValues(identity),
		duration:       c.duration.WithLabelValues(identity),
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}

// PayloadKind classifies msg for the received counter.
func PayloadKind(msg frame.Message) string {
	switch {
	case !msg.Valid:
		return KindAbsent
	case msg.Text == "":
		return KindEmpty
	default:
		return KindText
	}
}

func (m *Metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.inFlight.Inc()
}

func (m *Metrics) exchangeDone(started time.Time) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.duration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) messageReceived(msg frame.Message) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(PayloadKind(msg)).Inc()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) callbackError() {
	if m == nil {
		return
	}
	m.callbackErrors.Inc()
}
