package repository

import "errors"

// ErrNoCachedMessages is returned by Load when the remote failed and there is
// nothing cached locally to fall back to. The remote cause is joined to it.
var ErrNoCachedMessages = errors.New("remote unavailable and no cached messages")

// ErrNotPending is returned by Resend for an id that is absent or already synced.
var ErrNotPending = errors.New("message is not pending")

// ErrReconcileFailed is returned by Send when the message was committed
// locally but recording the remote outcome in the local store failed.
var ErrReconcileFailed = errors.New("local reconciliation failed")
