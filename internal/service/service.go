package service

import (
	"context"
	"time"

	"e2ee-relay/internal/domain"
)

type Options struct {
	// StoreTimeout bounds every operation's store calls. Zero disables it.
	StoreTimeout        time.Duration
	MaxCiphertextBytes  int
	MaxPreKeysPerUpload int
	// VerifySignedPreKey checks signatures when the device supplies an
	// Ed25519 identity signature key.
	VerifySignedPreKey bool
	PreKeyRetention    time.Duration
	// BundleConcurrency caps parallel prekey claims when a bundle request
	// fans out to every device of a user.
	BundleConcurrency int
}

func DefaultOptions() Options {
	return Options{
		StoreTimeout:        5 * time.Second,
		MaxCiphertextBytes:  256 << 10,
		MaxPreKeysPerUpload: 500,
		PreKeyRetention:     30 * 24 * time.Hour,
		BundleConcurrency:   4,
	}
}

type Service struct {
	store domain.Store
	opts  Options
	now   func() time.Time
}

func New(store domain.Store, opts Options) *Service {
	def := DefaultOptions()
	if opts.MaxCiphertextBytes <= 0 {
		opts.MaxCiphertextBytes = def.MaxCiphertextBytes
	}
	if opts.MaxPreKeysPerUpload <= 0 {
		opts.MaxPreKeysPerUpload = def.MaxPreKeysPerUpload
	}
	if opts.PreKeyRetention <= 0 {
		opts.PreKeyRetention = def.PreKeyRetention
	}
	if opts.BundleConcurrency <= 0 {
		opts.BundleConcurrency = def.BundleConcurrency
	}
	return &Service{
		store: store,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// run executes fn under the store deadline and maps its error into the
// service taxonomy.
func (s *Service) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.opts.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StoreTimeout)
		defer cancel()
	}
	return classify(fn(ctx))
}
