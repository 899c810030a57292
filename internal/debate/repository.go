package debate

import "context"

// Repository is everything the controller needs from persistence. Implementations
// must give read-your-writes between UpdateElementScore/MarkElementComplete and the
// following IncompleteElements call; loop termination depends on it.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	CreateElements(ctx context.Context, sessionID string, names []string) ([]Element, error)
	IncompleteElements(ctx context.Context, sessionID string) ([]Element, error)
	UpdateElementScore(ctx context.Context, elementID string, v Version) error
	MarkElementComplete(ctx context.Context, elementID string, reason CompletionReason) error
	LastVersions(ctx context.Context, elementID string, n int) ([]Version, error)
	UpdateIteration(ctx context.Context, sessionID string, iteration int) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error
}
