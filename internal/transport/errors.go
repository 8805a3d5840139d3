package transport

import "errors"

var (
	errNoAddress          = errors.New("transport: no address for node")
	errTimedOutBeforeSend = errors.New("transport: send timed out before delivery")
)
