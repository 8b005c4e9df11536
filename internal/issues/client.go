// Package issues integrates HIAMP with a pull-only issue tracker. The
// concrete tracker SDK lives outside this module; the package only
// depends on the documented read/write operations declared here. Sends
// post envelope-bearing comments; inbound traffic is ingested by the
// heartbeat poller, which composes the same Client.
package issues

import (
	"context"
	"time"
)

// Comment is one issue comment as reported by the platform client.
type Comment struct {
	ID        string
	IssueID   string
	Author    string // platform display name or login
	Body      string
	CreatedAt time.Time
}

// Issue is the platform-native container comments live in.
type Issue struct {
	ID    string
	Key   string
	Title string
	URL   string
}

// Client is the issue-tracker surface HIAMP consumes. Implementations
// wrap the platform SDK; errors they return are platform-native and are
// mapped to the shared transport taxonomy by this package.
type Client interface {
	// ListCommentsSince returns comments on the issue created strictly
	// after since, oldest first, at most limit.
	ListCommentsSince(ctx context.Context, issueID string, since time.Time, limit int) ([]Comment, error)
	// CreateComment posts a comment and returns it as recorded.
	CreateComment(ctx context.Context, issueID, body string) (Comment, error)
	// GetIssue resolves an issue by platform id or key.
	GetIssue(ctx context.Context, issueID string) (Issue, error)
}
