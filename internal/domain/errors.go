package domain

import "errors"

// Store errors - persistent node store
var (
	// ErrNotFound indicates the requested node does not exist in RAM or in the store
	ErrNotFound = errors.New("node not found")

	// ErrStoreClosed indicates the store was used after Close
	ErrStoreClosed = errors.New("store closed")

	// ErrInvalidHandle indicates a zero or out-of-range node handle
	ErrInvalidHandle = errors.New("invalid node handle")
)

// Record errors - binary node and fingerprint records
var (
	// ErrTruncated indicates a serialized record ended before all fields were read
	ErrTruncated = errors.New("record truncated")

	// ErrCorruptRecord indicates a serialized record holds values that cannot be decoded
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrInvalidFingerprint indicates a fingerprint text form could not be parsed
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// Reconcile errors - filesystem id assignment
var (
	// ErrRootUnavailable indicates the sync root could not be opened
	ErrRootUnavailable = errors.New("sync root unavailable")

	// ErrDirUnavailable indicates a directory inside the sync root could not be opened
	ErrDirUnavailable = errors.New("directory unavailable")

	// ErrFileUnreadable indicates a file could not be opened or fingerprinted
	ErrFileUnreadable = errors.New("file unreadable")

	// ErrReconcileInProgress indicates another process holds the reconcile lock
	ErrReconcileInProgress = errors.New("reconcile already in progress")
)

// Config errors - 設定檔錯誤
var (
	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")
)
