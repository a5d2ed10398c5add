package aio

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-aio/filelock"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultMaxHandlerInvokeCount bounds the number of handlers invoked
	// directly on the stack of one goroutine.
	DefaultMaxHandlerInvokeCount = 16

	// defaultCachedPoolLimit bounds the goroutines of a cached pool, which
	// is otherwise unbounded.
	defaultCachedPoolLimit = 1 << 16
)

// DefaultPanicRateLimits bounds how often panics are logged, per handler or
// task type.
var DefaultPanicRateLimits = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 30,
}

// groupOptions holds configuration options for Group creation.
type groupOptions struct {
	logger     *logiface.Logger[logiface.Event]
	panicRates map[time.Duration]int
	threads    int
	maxInvoke  int
	fixed      bool
}

// --- Group Options ---

// GroupOption configures a [Group].
type GroupOption interface {
	applyGroup(*groupOptions) error
}

// groupOptionImpl implements GroupOption.
type groupOptionImpl struct {
	applyGroupFunc func(*groupOptions) error
}

func (g *groupOptionImpl) applyGroup(opts *groupOptions) error {
	return g.applyGroupFunc(opts)
}

// WithFixedThreadPool configures the group to run its tasks on exactly n
// goroutines, started with the group.
//
// With a fixed pool, reads are only attempted on the initiating goroutine
// when the handler may be invoked directly, as a pool goroutine must not be
// tied up running handlers of other groups.
func WithFixedThreadPool(n int) GroupOption {
	return &groupOptionImpl{func(opts *groupOptions) error {
		if n <= 0 {
			return fmt.Errorf("aio: fixed thread pool size must be positive: %d", n)
		}
		opts.fixed = true
		opts.threads = n
		return nil
	}}
}

// WithCachedThreadPool configures the group to start a goroutine per task, up
// to limit concurrently running, queueing the rest. A limit <= 0 means
// effectively unbounded. This is the default.
func WithCachedThreadPool(limit int) GroupOption {
	return &groupOptionImpl{func(opts *groupOptions) error {
		if limit <= 0 {
			limit = defaultCachedPoolLimit
		}
		opts.fixed = false
		opts.threads = limit
		return nil
	}}
}

// WithMaxHandlerInvokeCount overrides [DefaultMaxHandlerInvokeCount].
func WithMaxHandlerInvokeCount(n int) GroupOption {
	return &groupOptionImpl{func(opts *groupOptions) error {
		if n < 1 {
			return fmt.Errorf("aio: max handler invoke count must be at least 1: %d", n)
		}
		opts.maxInvoke = n
		return nil
	}}
}

// WithLogger sets the structured logger used by the group. A nil logger
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) GroupOption {
	return &groupOptionImpl{func(opts *groupOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicRateLimits overrides [DefaultPanicRateLimits], see
// the go-catrate package. An empty map disables rate limiting.
func WithPanicRateLimits(rates map[time.Duration]int) GroupOption {
	return &groupOptionImpl{func(opts *groupOptions) error {
		opts.panicRates = rates
		return nil
	}}
}

// resolveGroupOptions applies GroupOption instances to groupOptions.
func resolveGroupOptions(opts []GroupOption) (*groupOptions, error) {
	cfg := &groupOptions{
		panicRates: DefaultPanicRateLimits,
		threads:    defaultCachedPoolLimit,
		maxInvoke:  DefaultMaxHandlerInvokeCount,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyGroup(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// channelOptions holds configuration options for channel creation.
type channelOptions struct {
	logger    *logiface.Logger[logiface.Event]
	executor  Executor
	registry  *filelock.Registry
	resignal  time.Duration
	portable  bool
	localLock bool
}

// --- Channel Options ---

// ChannelOption configures a [SocketChannel], [DatagramChannel] or
// [FileChannel]. Options that do not apply to a channel type are ignored.
type ChannelOption interface {
	applyChannel(*channelOptions) error
}

// channelOptionImpl implements ChannelOption.
type channelOptionImpl struct {
	applyChannelFunc func(*channelOptions) error
}

func (c *channelOptionImpl) applyChannel(opts *channelOptions) error {
	return c.applyChannelFunc(opts)
}

// WithChannelLogger sets the structured logger used by the channel. Socket
// and datagram channels default to the logger of their group.
func WithChannelLogger(logger *logiface.Logger[logiface.Event]) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPortableOps selects the portable implementation of the OS operations,
// built on the standard [net.Conn] and [*os.File] methods, even where the
// native implementation is available.
func WithPortableOps() ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.portable = true
		return nil
	}}
}

// WithSharedLockTable selects the lock table of a file channel shared by
// every channel on the same file, in registry, or [filelock.Default] if nil.
// This is the default.
func WithSharedLockTable(registry *filelock.Registry) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		if registry == nil {
			registry = filelock.Default()
		}
		opts.registry = registry
		opts.localLock = false
		return nil
	}}
}

// WithLocalLockTable selects a lock table private to the file channel, which
// only rejects overlapping locks acquired through the same channel.
func WithLocalLockTable() ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.localLock = true
		return nil
	}}
}

// WithExecutor sets the executor a file channel runs its operations and
// handlers on. It defaults to the executor of [DefaultGroup].
func WithExecutor(executor Executor) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		if executor == nil {
			return errors.New("aio: nil executor")
		}
		opts.executor = executor
		return nil
	}}
}

// WithResignalInterval sets how long Close waits for blocked operations to
// acknowledge an interrupt before interrupting them again.
func WithResignalInterval(d time.Duration) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		if d <= 0 {
			return fmt.Errorf("aio: resignal interval must be positive: %s", d)
		}
		opts.resignal = d
		return nil
	}}
}

// resolveChannelOptions applies ChannelOption instances to channelOptions.
func resolveChannelOptions(opts []ChannelOption) (*channelOptions, error) {
	cfg := &channelOptions{
		registry: filelock.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyChannel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
