package group

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/groupkeeper/zkgroup/coordination"
)

type groupOptions struct {
	prefix        string
	acl           []coordination.ACL
	clock         clock.Clock
	retryInterval time.Duration
}

func defaultOptions() groupOptions {
	return groupOptions{
		prefix:        DefaultMemberPrefix,
		acl:           coordination.WorldACL(coordination.PermAll),
		clock:         clock.New(),
		retryInterval: time.Second,
	}
}

type Option func(*groupOptions)

// WithMemberPrefix sets the member-node name prefix. Groups with different
// prefixes coexist under the same root without seeing each other.
func WithMemberPrefix(prefix string) Option {
	return func(o *groupOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithACL sets the access policy passed through to node creation.
func WithACL(acl []coordination.ACL) Option {
	return func(o *groupOptions) {
		o.acl = acl
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *groupOptions) {
		o.clock = c
	}
}

// WithRetryInterval sets how long to pause before reissuing an operation
// that failed transiently. Reconnection wakes waiters early.
func WithRetryInterval(d time.Duration) Option {
	return func(o *groupOptions) {
		o.retryInterval = d
	}
}
