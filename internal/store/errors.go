package store

import "codeberg.org/mutker/bitaxectl/internal/errors"

var errFactory = errors.New()

const (
	ErrStoreUnavailable = errors.ErrStoreUnavailable

	ErrInvalidDBPath     = errors.ErrorCode("store_invalid_path")
	ErrStorageInit       = errors.ErrorCode("store_init_failed")
	ErrSchemaMigration   = errors.ErrorCode("store_migration_failed")
	ErrTransactionFailed = errors.ErrorCode("store_transaction_failed")
	ErrOutOfOrder        = errors.ErrorCode("out_of_order")
	ErrNotFound          = errors.ErrorCode("store_not_found")
	ErrUnknownKind       = errors.ErrorCode("store_unknown_kind")
	ErrCorruptState      = errors.ErrorCode("store_corrupt_state")
	ErrStorageClose      = errors.ErrorCode("store_close_failed")
)

// unavailable marks an engine failure as StoreUnavailable so the scheduler
// retries it.
func unavailable(code errors.ErrorCode, err error) errors.Error {
	return errFactory.Wrap(ErrStoreUnavailable, errFactory.Wrap(code, err))
}
