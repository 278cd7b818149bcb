package sap

import "errors"

var (
	// ErrTruncated reports a datagram too short for its header or declared
	// authentication data.
	ErrTruncated = errors.New("sap: truncated packet")
	// ErrOrigin reports an originating source that cannot be encoded.
	ErrOrigin = errors.New("sap: originating source must be IPv4")
)
