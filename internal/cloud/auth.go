package cloud

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/systemshift/pagesync/internal/dag"
)

// CredentialsProvider supplies the token sent with every cloud request.
// Failures are treated as transient and retried with backoff.
type CredentialsProvider interface {
	GetCredentials(ctx context.Context) (string, error)
}

// StaticCredentials always returns the same token. The empty token is valid
// for providers that need no authentication.
type StaticCredentials string

func (s StaticCredentials) GetCredentials(context.Context) (string, error) {
	return string(s), nil
}

// CredentialsFunc adapts a function to CredentialsProvider.
type CredentialsFunc func(ctx context.Context) (string, error)

func (f CredentialsFunc) GetCredentials(ctx context.Context) (string, error) {
	return f(ctx)
}

// authToken fetches a token, marking failures as authentication errors so
// they take the retry path.
func authToken(ctx context.Context, creds CredentialsProvider) (string, error) {
	token, err := creds.GetCredentials(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Mark(errors.Wrap(err, "get credentials"), dag.ErrAuthentication)
	}
	return token, nil
}
