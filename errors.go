package inkwell

import "errors"

// Terminal and failure conditions surfaced by plan execution. Streams
// end with exactly one of these (or a store error passed through).
var (
	// ErrEndOfStream is the normal exit of every operator.
	ErrEndOfStream = errors.New("end of stream")

	// ErrOperationCancelled terminates the root stream when a
	// checkpoint is stopped. Operators below the root observe
	// cancellation through their context instead.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrCollectionMetadataChanged means the collection's directory
	// moved under a non-isolated plan; the plan cannot continue.
	ErrCollectionMetadataChanged = errors.New("collection metadata changed")

	// ErrMetadataChangedNonIsolated means the metadata version moved
	// and the subplan does not tolerate the change.
	ErrMetadataChangedNonIsolated = errors.New("metadata changed under non-isolated plan")

	ErrIndexAlreadyExists = errors.New("index with the same key spec already exists")
	ErrIndexNameTaken     = errors.New("index name taken by a different key spec")
	ErrIndexWrongBuildID  = errors.New("index build id mismatch")

	// ErrCommitUnknownResult is surfaced verbatim: the commit may or
	// may not have been applied and only the caller can decide.
	ErrCommitUnknownResult = errors.New("commit result unknown")

	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrTransactionTooOld is the store's bounded-lifetime failure;
	// it is retryable through Transaction.OnError.
	ErrTransactionTooOld = errors.New("transaction too old")

	ErrDocumentTooDirty = errors.New("document has uncommitted changes")
)
