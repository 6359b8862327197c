package credential

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// Loader fetches fresh material for every call and turns it into a Bundle.
// It performs no network I/O beyond what the Store does.
type Loader struct {
	store Store
	clock clockwork.Clock
}

func NewLoader(store Store, clock clockwork.Clock) *Loader {
	return &Loader{store: store, clock: clock}
}

// Load returns a validated bundle. Raw key bytes and passphrase are zeroed
// before returning; the caller owns the bundle and must Zero it.
func (l *Loader) Load(ctx context.Context, ownerRef string) (*Bundle, error) {
	m, err := l.store.Fetch(ctx, ownerRef)
	if err != nil {
		return nil, err
	}
	defer m.Zero()

	b, err := Parse(m, l.clock.Now())
	if err != nil {
		return nil, err
	}

	if b.Operational() {
		slog.Warn("credential looks like a seal certificate, the remote service expects the advanced signature certificate",
			"owner", ownerRef, "subject", b.Certificate().Subject.CommonName)
	}
	if b.ExpiresSoon() {
		slog.Warn("credential expires soon", "owner", ownerRef, "not_after", b.Certificate().NotAfter)
	}

	return b, nil
}
