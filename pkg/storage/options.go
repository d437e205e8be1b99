package storage

import "time"

type options struct {
	activationDelay time.Duration
	now             func() time.Time
}

// Option configures a local backend
type Option func(*options)

// WithActivationDelay keeps newly created tables in CREATING for d
func WithActivationDelay(d time.Duration) Option {
	return func(o *options) {
		o.activationDelay = d
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// tableMeta is the persisted descriptor of a local table
type tableMeta struct {
	Name      string    `json:"name"`
	Key       KeySchema `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
}

func (o options) status(m *tableMeta) TableStatus {
	if o.now().Before(m.CreatedAt.Add(o.activationDelay)) {
		return TableCreating
	}
	return TableActive
}
