package trustkit

import (
	"context"
	"time"
)

// MailRequest asks the delivery layer to send one security email. The Core
// only ever requests delivery; rendering, transport, and retries belong to
// the implementation.
type MailRequest struct {
	Purpose   TokenPurpose
	Recipient string
	Token     string
	ExpiresAt time.Time
}

// Mailer is the outbound email collaborator.
type Mailer interface {
	RequestDelivery(ctx context.Context, req MailRequest) error
}

// MailerFactory constructs the Mailer the first time the Core needs one.
// The Core guards the call with sync.Once and owns the result for its
// lifetime; a returned Closer is closed by Core.Close.
type MailerFactory func() (Mailer, error)

// Job is one asynchronous side effect of token issuance, e.g. a cleanup
// of stale account state when a deletion token is issued.
type Job struct {
	Name    string
	RunAt   time.Time
	Payload map[string]string
}

// Scheduler queues jobs triggered by token issuance. Implementations are
// expected to be durable; the Core treats scheduling as best-effort and
// never fails the user-facing operation on scheduler errors.
type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
}
