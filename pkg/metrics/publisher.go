package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Record store writes by collection, kind (launch, update, end, preview)
	// and outcome (ok, error)
	RecordPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "experimenter_record_pushes_total",
		Help: "Record store writes issued by the publication synchronizer",
	}, []string{"collection", "kind", "outcome"})

	// Waiting experiments resolved by the synchronizer, by outcome
	// (accepted, rejected, timed_out)
	PublishResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "experimenter_publish_resolutions_total",
		Help: "Waiting experiments resolved per outcome",
	}, []string{"collection", "outcome"})

	CollectionRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "experimenter_collection_rollbacks_total",
		Help: "Compensating rollbacks sent to the record store",
	}, []string{"collection"})

	ScanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "experimenter_sync_scan_duration_seconds",
		Help:    "Duration of one synchronizer scan of a collection",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})

	ScanFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "experimenter_sync_scan_failures_total",
		Help: "Collection scans that ended with an error",
	}, []string{"collection"})

	// Bucket allocation steps by kind (appended, new_namespace, new_instance)
	BucketAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "experimenter_bucket_allocations_total",
		Help: "Bucket allocation steps by kind",
	}, []string{"kind"})
)

func Init() {
	prometheus.MustRegister(
		RecordPushes,
		PublishResolutions,
		CollectionRollbacks,
		ScanDuration,
		ScanFailures,
		BucketAllocations,
	)
}
