package fakeserver

import "errors"

var (
	errDial   = errors.New("fakeserver: simulated dial failure")
	errClosed = errors.New("fakeserver: stream closed")
)
