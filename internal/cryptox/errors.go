package cryptox

import "errors"

var (
	ErrUnsupportedKdf       = errors.New("cryptox: unsupported kdf")
	ErrInvalidKdfParams     = errors.New("cryptox: invalid kdf parameters")
	ErrUnsupportedCipher    = errors.New("cryptox: unsupported cipher")
	ErrAuthenticationFailed = errors.New("cryptox: authentication failed")
	ErrInvalidKeyLength     = errors.New("cryptox: invalid key length")
	ErrInvalidNonceLength   = errors.New("cryptox: invalid nonce length")
	ErrInvalidTagLength     = errors.New("cryptox: invalid tag length")
	ErrEmptyPassword        = errors.New("cryptox: empty password")
)
