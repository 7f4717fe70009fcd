package omemo

import "errors"

// Error kinds named by the OMEMO component design. Callers use errors.Is
// against these sentinels; a few carry peer/device context via wrapping
// helpers below.
var (
	ErrNotInitialized        = errors.New("omemo: account not initialized")
	ErrKeyGeneration         = errors.New("omemo: key generation failed")
	ErrPersistence           = errors.New("omemo: snapshot persistence failed")
	ErrBundleUnavailable     = errors.New("omemo: bundle unavailable")
	ErrDeviceListUnavailable = errors.New("omemo: device list unavailable")
	ErrNoDevices             = errors.New("omemo: recipient has no devices")
	ErrNoEncryptableDevices  = errors.New("omemo: no encryptable devices")
	ErrRoomNotCapable        = errors.New("omemo: room is not omemo-capable")
	ErrNotForUs              = errors.New("omemo: no key addressed to this device")
	ErrUnknownSender         = errors.New("omemo: could not resolve sender identity")
	ErrSignalFailure         = errors.New("omemo: signal session decryption failed")
	ErrAESFailure            = errors.New("omemo: aes-gcm authentication failed")
	ErrShutdown              = errors.New("omemo: account is shutting down")

	ErrNoSession       = errors.New("omemo: no session for peer device")
	ErrInvalidSession  = errors.New("omemo: invalid session state")
	ErrSkippedKeyLimit = errors.New("omemo: too many skipped ratchet messages")
	ErrInvalidBundle   = errors.New("omemo: invalid bundle signature")
	ErrPreKeyExhausted = errors.New("omemo: no one-time pre-key in bundle")
)
