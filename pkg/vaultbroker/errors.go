package vaultbroker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp/vault/api"
)

// Kind exists so callers can tell failure flavours apart in logs and tests.
// None of them stop retrying; whether a retry makes sense is decided by the
// renewal scheduler based on the material it still holds, not on the kind.
type Kind string

const (
	KindAuthFailed     Kind = "auth_failed"
	KindIssuanceDenied Kind = "issuance_denied"
	KindNetworkError   Kind = "network_error"
	KindTimeout        Kind = "timeout"
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// denied = what an HTTP-level rejection from Vault means for this call site
// (login => AuthFailed, issue => IssuanceDenied)
func classify(err error, denied Kind) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{KindTimeout, err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{KindTimeout, err}
	}

	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return &Error{denied, err}
	}

	return &Error{KindNetworkError, err}
}
