package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ista_device_kernel_launches_total",
		Help: "Total number of kernel launches enqueued",
	}, []string{"backend", "kernel"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ista_device_transfer_bytes_total",
		Help: "Bytes copied between host and device memory",
	}, []string{"backend", "direction"})

	compileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ista_device_compile_duration_seconds",
		Help:    "Time spent compiling kernel programs",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	buffersLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ista_device_buffers_live",
		Help: "Current number of allocated device buffers",
	}, []string{"backend"})
)

const (
	directionToDevice = "host_to_device"
	directionToHost   = "device_to_host"
)
