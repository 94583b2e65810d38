package inkwell

import (
	"github.com/prometheus/client_golang/prometheus"
)

var planExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "executor",
	Name:      "plan_executions",
}, []string{"plan"})

var documentsScanned = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "executor",
	Name:      "documents_scanned",
})

var documentsInserted = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "executor",
	Name:      "documents_inserted",
})

var documentsUpdated = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "executor",
	Name:      "documents_updated",
})

var indexesCreated = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "metadata",
	Name:      "indexes_created",
})

var indexBuildDocs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "metadata",
	Name:      "index_build_documents",
})

var checkpointSplits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "executor",
	Name:      "checkpoint_splits",
})

var wrapperRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "executor",
	Name:      "wrapper_restarts",
}, []string{"plan"})

var predicatePushDowns = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "planner",
	Name:      "predicate_push_downs",
})

var metadataChangesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "metadata",
	Name:      "version_changes_accepted",
})

var transactionCommits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "store",
	Name:      "transaction_commits",
})

var transactionRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkwell",
	Subsystem: "store",
	Name:      "transaction_retries",
})

// Collectors returns every metric of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		planExecutions,
		documentsScanned,
		documentsInserted,
		documentsUpdated,
		indexesCreated,
		indexBuildDocs,
		checkpointSplits,
		wrapperRestarts,
		predicatePushDowns,
		metadataChangesAccepted,
		transactionCommits,
		transactionRetries,
	}
}
