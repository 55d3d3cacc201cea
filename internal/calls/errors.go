package calls

import (
	"errors"

	"github.com/campuscash/backend/internal/media"
)

var (
	// ErrBusy means a call between the two parties (or on this device) is already active.
	ErrBusy = errors.New("calls: already in a call")
	// ErrCalleeUnreachable means the other party did not complete a signaling step in time.
	ErrCalleeUnreachable = errors.New("calls: other party unreachable")
	// ErrRejected means the callee declined.
	ErrRejected = errors.New("calls: call declined")
	// ErrCallingRemoved is returned by every operation while calling is switched off.
	ErrCallingRemoved = errors.New("calls: calling has been removed")
	// ErrMedia wraps local capture failures.
	ErrMedia = errors.New("calls: media unavailable")
	// ErrRemoteEnded means the other party hung up.
	ErrRemoteEnded = errors.New("calls: ended by other party")
	// ErrCallEnded is returned when acting on a call that is already over.
	ErrCallEnded = errors.New("calls: call already ended")
	// ErrSelfCall is returned when dialling yourself.
	ErrSelfCall = errors.New("calls: cannot call yourself")
	// ErrNotFound is returned by repositories for unknown sessions.
	ErrNotFound = errors.New("calls: session not found")
)

const (
	noticeUnreachable = "could not reach the other person"
	noticeBusy        = "already in a call"
	noticeFailed      = "call failed"
)

// Notice is the single user-facing message for err. Only unreachable and busy are
// told apart; every other failure reads the same.
func Notice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCalleeUnreachable):
		return noticeUnreachable
	case errors.Is(err, ErrBusy):
		return noticeBusy
	default:
		return noticeFailed
	}
}

func mediaError(err error) error {
	if media.IsMediaError(err) {
		return errors.Join(ErrMedia, err)
	}
	return err
}
