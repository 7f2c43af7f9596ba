package multiface

import "errors"

var (
	// ErrPoolClosed is returned by operations on a pool after Close.
	ErrPoolClosed = errors.New("multiface: pool closed")

	// ErrStorageReleased is delivered to waiters whose storage was
	// released while the file they were waiting on was still being opened.
	ErrStorageReleased = errors.New("multiface: storage released while file open was pending")

	// ErrFileIndexOutOfRange is returned when a file index does not exist
	// in the given catalog.
	ErrFileIndexOutOfRange = errors.New("multiface: file index out of range")
)
