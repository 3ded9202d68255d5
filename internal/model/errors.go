package model

import "errors"

var (
	// ErrConfigInvalid is returned when no valid relay origin could be
	// resolved. Fatal: the manager will not retry until reconfigured.
	ErrConfigInvalid = errors.New("relay origin is missing or invalid")

	// ErrUnauthorized is returned when the relay explicitly rejects the
	// agent's credentials.
	ErrUnauthorized = errors.New("relay rejected agent credentials")

	// ErrRegistrationTimeout is returned when the relay does not
	// acknowledge register_bridge in time.
	ErrRegistrationTimeout = errors.New("relay registration timed out")

	// ErrRequestTimeout is returned when a correlated request receives no
	// response before its deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrHubNotConnected is returned when a command cannot be forwarded
	// because the hub connection is down.
	ErrHubNotConnected = errors.New("hub is not connected")

	// ErrPairCodeFormat is returned when a pair code is not six uppercase
	// hex characters.
	ErrPairCodeFormat = errors.New("pair code must be 6 uppercase hex characters")
)
