package session

import "errors"

// Reject reasons surfaced by SessionManager operations. These map directly
// onto the ServerError taxonomy's InvalidSession/InvalidToken/InvalidAction
// kinds at the CoreRuntime layer.
var (
	ErrInvalidToken           = errors.New("session: invalid token")
	ErrDuplicateAccount       = errors.New("session: account already has an active session")
	ErrDuplicateCharacter     = errors.New("session: character already bound by another session")
	ErrCharacterNotAuthorized = errors.New("session: character not in authorized list")
	ErrUnknownSession         = errors.New("session: no such session")
	ErrHTTPSessionDead        = errors.New("session: http session no longer alive")
)
