package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockWaits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "slot_lock_acquire_total",
	Help: "Slot lock acquisition attempts grouped by backend and outcome.",
}, []string{"backend", "result"})
