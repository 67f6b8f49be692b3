package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamvault_bytes_streamed_total",
		Help: "Bytes emitted to streaming clients",
	})

	streamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamvault_streams_total",
		Help: "Finished streams by outcome",
	}, []string{"outcome"})

	streamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamvault_stream_retries_total",
		Help: "Mid-stream recoveries by kind",
	}, []string{"kind"})
)
