package bplusdb

// options configures a Tree's behavior. All options are applied before
// Open.
type options struct {
	filename string

	bSize int
	autoTune bool

	cacheSize int

	useRedo bool
	useRedoThread bool
	redoQueueSize int
	flushOnWrite bool
	syncOnFlush bool
	alignBlocks bool

	disablePopulateCache bool
	disableAutosyncStore bool
	useMmap bool

	logger Logger

	onSync func(offset int64)
}

const (
	defaultCacheSize = 8 * 1024 * 1024
	minCacheSize = 1024
	defaultRedoQueueSize = 1
)

// defaultOptions returns the baseline configuration: auto-tuned 4KiB
// blocks, redo logging enabled without a dedicated writer thread, cache
// warm-up and autosync both on.
func defaultOptions() options {
	return options{
		bSize: 4096,
		autoTune: true,
		cacheSize: defaultCacheSize,
		useRedo: true,
		redoQueueSize: defaultRedoQueueSize,
		syncOnFlush: true,
		alignBlocks: true,
		logger: discardLogger{},
	}
}

// Option configures a Tree using the functional options pattern.
type Option func(*options)

// WithFilename sets the base path for the data, redo, and bitmap
// sidecar files.
func WithFilename(name string) Option {
	return func(o *options) { o.filename = name }
}

// WithBlockSize sets the block size in bytes when auto-tuning is
// enabled, or the raw b-order otherwise.
func WithBlockSize(n int) Option {
	return func(o *options) { o.bSize = n }
}

// WithAutoTune enables or disables automatic b-order derivation from
// the block size.
func WithAutoTune(enabled bool) Option {
	return func(o *options) { o.autoTune = enabled }
}

// WithCacheSize sets the soft cap, in bytes, on cached node bytes. A
// value below 1024 is raised to 1024.
func WithCacheSize(bytes int) Option {
	return func(o *options) {
		if bytes < minCacheSize {
			bytes = minCacheSize
		}
		o.cacheSize = bytes
	}
}

// WithRedo enables or disables the redo log entirely.
func WithRedo(enabled bool) Option {
	return func(o *options) { o.useRedo = enabled }
}

// WithRedoThread enables the dedicated redo writer thread, with the
// given bounded queue capacity.
func WithRedoThread(enabled bool, queueSize int) Option {
	return func(o *options) {
		o.useRedoThread = enabled
		if queueSize > 0 {
			o.redoQueueSize = queueSize
		}
	}
}

// WithFlushOnWrite forces an fsync after every redo record append.
func WithFlushOnWrite(enabled bool) Option {
	return func(o *options) { o.flushOnWrite = enabled }
}

// WithSyncOnFlush controls whether redoLog.sync performs an fsync.
func WithSyncOnFlush(enabled bool) Option {
	return func(o *options) { o.syncOnFlush = enabled }
}

// WithAlignBlocks enables redo record padding to buffer-size boundaries.
func WithAlignBlocks(enabled bool) Option {
	return func(o *options) { o.alignBlocks = enabled }
}

// WithDisablePopulateCache skips the read-pool warm-up scan on Open.
func WithDisablePopulateCache(disabled bool) Option {
	return func(o *options) { o.disablePopulateCache = disabled }
}

// WithDisableAutosyncStore suppresses the block store fsync that
// otherwise follows a dirty-pool flush inside releaseNodes.
func WithDisableAutosyncStore(disabled bool) Option {
	return func(o *options) { o.disableAutosyncStore = disabled }
}

// WithMmap selects the segmented memory-mapped block store instead of
// plain positional file I/O. Only available on linux and darwin; on
// other platforms Open ignores it and falls back to the positional
// store.
func WithMmap(enabled bool) Option {
	return func(o *options) { o.useMmap = enabled }
}

// WithLogger installs a structured logger; the default discards
// everything.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSyncCallback installs the on_sync(offset) callback invoked after
// every successful redo-log fsync and after the block-store fsync done
// by Sync and Close. The block-store fsync that follows a dirty-pool
// flush inside releaseNodes does not invoke it.
func WithSyncCallback(cb func(offset int64)) Option {
	return func(o *options) { o.onSync = cb }
}
