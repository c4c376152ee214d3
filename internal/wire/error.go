package wire

import (
	"errors"
	"fmt"
)

// Close codes sent to clients on terminal connection failures. They are in
// the 4000 range reserved for private use by RFC 6455. Clients branch on
// these to decide between re-authenticating and showing a terminal error.
const (
	CloseInternalError = 4000
	CloseNoToken       = 4001
	CloseInvalidToken  = 4002
	CloseVerifyFailed  = 4003
	CloseNotFound      = 4004
)

type ErrorCode int

const (
	ErrInvalidCode ErrorCode = iota
	ErrBadMessage
	ErrUnknownType
	ErrNotParticipant
	ErrNotHost
	ErrNoSuchSession
	ErrSessionEnded
	ErrNoSuchTournament
	ErrNoSuchMatch
	ErrMatchCompleted
	ErrPlayerNotInMatch
	ErrAlreadyEnrolled
	ErrEnrollmentClosed
	ErrSelfNotification
)

// Error is a protocol-level rejection. It never takes down the connection:
// the offending message is dropped and the error is logged.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire error %v: %v", e.Code, e.Message)
}

var _ error = (*Error)(nil)

func MatchesError(err error, code ErrorCode) bool {
	var wireErr *Error
	return errors.As(err, &wireErr) && wireErr.Code == code
}
