package multiface

import "log/slog"

// DefaultSizeLimit is the default number of file views held open.
const DefaultSizeLimit = 40

// ZeroSizeLimit configures a pool that holds nothing open: every opened
// view is evicted right after being handed to its caller. The zero value
// of SizeLimit means DefaultSizeLimit, so an explicit zero limit needs
// its own spelling.
const ZeroSizeLimit = -1

type PoolOptions struct {
	// SizeLimit is the number of file views the pool may hold open at
	// once. Zero falls back to DefaultSizeLimit; negative values
	// (ZeroSizeLimit) mean a limit of zero.
	SizeLimit int

	Logger  *slog.Logger
	Metrics *PoolMetrics
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		SizeLimit: DefaultSizeLimit,
	}
}
