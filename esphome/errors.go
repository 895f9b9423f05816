package esphome

import "errors"

var (
	// ErrNotConnected is returned when the broker or device connection is
	// down.
	ErrNotConnected = errors.New("esphome: not connected")

	// ErrConnectionFailed is returned when the broker or device cannot be
	// reached. Both transports keep retrying.
	ErrConnectionFailed = errors.New("esphome: connection failed")

	// ErrPublishFailed is returned when a command could not be delivered.
	ErrPublishFailed = errors.New("esphome: publish failed")

	// ErrSubscribeFailed is returned when a subscription is refused.
	ErrSubscribeFailed = errors.New("esphome: subscribe failed")

	// ErrProtocol is returned for malformed native API traffic.
	ErrProtocol = errors.New("esphome: protocol error")

	// ErrEncryptionRequired is returned when the device expects an
	// encryption key but none is configured.
	ErrEncryptionRequired = errors.New("esphome: device requires encryption")

	// ErrEncryptionNotEnabled is returned when an encryption key is
	// configured but the device speaks plaintext.
	ErrEncryptionNotEnabled = errors.New("esphome: device does not use encryption")

	// ErrInvalidEncryptionKey is returned when the noise handshake fails
	// because the keys differ.
	ErrInvalidEncryptionKey = errors.New("esphome: invalid encryption key")

	// ErrHandshakeFailed is returned when the device rejects the noise
	// handshake for another reason.
	ErrHandshakeFailed = errors.New("esphome: handshake failed")

	// ErrAuthenticationFailed is returned when the device rejects the
	// connect request.
	ErrAuthenticationFailed = errors.New("esphome: authentication failed")

	// ErrNoClimateEntity is returned when the device exposes no climate
	// entity.
	ErrNoClimateEntity = errors.New("esphome: no climate entity")
)
