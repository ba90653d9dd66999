package gconn

import "fmt"

// UnknownSignalTokenError indicates an unsubscribe request
// for a token with no live subscription,
// whether because the token was never issued
// or because it was already unsubscribed.
type UnknownSignalTokenError struct {
	Token SignalToken
}

func (e UnknownSignalTokenError) Error() string {
	return fmt.Sprintf("no live signal subscription for token %d", e.Token)
}
