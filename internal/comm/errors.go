package comm

import "errors"

var (
	ErrShortRead   = errors.New("comm: message shorter than declared")
	ErrUnreadData  = errors.New("comm: message data left unread")
	ErrRoundClosed = errors.New("comm: no open round")
	ErrUnknownPeer = errors.New("comm: unknown peer")
	ErrStaleFrame  = errors.New("comm: frame from a finished round")
	ErrClosed      = errors.New("comm: transport closed")
)
