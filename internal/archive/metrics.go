package archive

import (
	"context"
	"time"

	"github.com/org/msgarchive/internal/crypto"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgarchive_messages_ingested_total",
		Help: "Total number of messages encrypted and stored.",
	})

	decryptFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgarchive_decrypt_failures_total",
		Help: "Messages that could not be decrypted on retrieval, by reason.",
	}, []string{"reason"})

	keyServiceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msgarchive_key_service_duration_seconds",
		Help:    "Key service call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(messagesIngested, decryptFailures, keyServiceDuration)
}

// InstrumentedKeyWrapper records call latency of the KeyWrapper it wraps.
type InstrumentedKeyWrapper struct {
	next crypto.KeyWrapper
}

// InstrumentKeyWrapper wraps w with latency metrics.
func InstrumentKeyWrapper(w crypto.KeyWrapper) *InstrumentedKeyWrapper {
	return &InstrumentedKeyWrapper{next: w}
}

func (w *InstrumentedKeyWrapper) KeyID() string { return w.next.KeyID() }

func (w *InstrumentedKeyWrapper) Wrap(ctx context.Context, plaintextKey []byte) ([]byte, error) {
	defer observe("wrap", time.Now())
	return w.next.Wrap(ctx, plaintextKey)
}

func (w *InstrumentedKeyWrapper) Unwrap(ctx context.Context, wrappedKey []byte) ([]byte, error) {
	defer observe("unwrap", time.Now())
	return w.next.Unwrap(ctx, wrappedKey)
}

func observe(op string, start time.Time) {
	keyServiceDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
