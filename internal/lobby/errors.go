// internal/lobby/errors.go
package lobby

import (
	"errors"
	"fmt"
)

var (
	ErrValidation                  = errors.New("validation error")
	ErrNotFound                    = errors.New("not found")
	ErrInvalidToken                = errors.New("invalid token")
	ErrUnauthorized                = errors.New("unauthorized")
	ErrAlreadyDestroyed            = errors.New("lobby already destroyed")
	ErrLobbyFull                   = errors.New("lobby full")
	ErrRegionUnavailable           = errors.New("region unavailable")
	ErrNotFoundAndCreationDisabled = errors.New("lobby not found and creation disabled")
	// ErrProvisioningTimeout never reaches clients; it is logged when a server
	// fails to resolve in time and its lobby is torn down.
	ErrProvisioningTimeout = errors.New("provisioning timeout")
	ErrManagerClosed       = errors.New("lobby manager closed")
)

// DestroyedError is returned for operations on a lobby that has been
// destroyed. It carries the recorded cause so callers can tell the user why.
type DestroyedError struct {
	LobbyID string
	Meta    LobbyDestroyMeta
}

func (e *DestroyedError) Error() string {
	if e.Meta.Reason == "" {
		return fmt.Sprintf("lobby %s already destroyed", e.LobbyID)
	}
	return fmt.Sprintf("lobby %s already destroyed: %s", e.LobbyID, e.Meta.Reason)
}

func (e *DestroyedError) Is(target error) bool { return target == ErrAlreadyDestroyed }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
