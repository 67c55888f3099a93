package registry

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// DigestFor resolves the current manifest digest of an image reference in its
// remote registry. Credentials are applied only when both username and
// password are set.
func DigestFor(ctx context.Context, ref, username, password string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", err
	}

	opts := []remote.Option{remote.WithContext(ctx)}
	if username != "" && password != "" {
		opts = append(opts, remote.WithAuth(&authn.Basic{Username: username, Password: password}))
	}

	desc, err := remote.Head(parsed, opts...)
	if err != nil {
		return "", err
	}
	return desc.Digest.String(), nil
}

// IsRateLimit reports whether the registry rejected the request with HTTP
// 429.
func IsRateLimit(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
