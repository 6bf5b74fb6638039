// Package mailapi defines the remote mail provider contract the sync
// controller dispatches against, together with the error taxonomy that
// drives its retry decisions.
package mailapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// AuthError indicates that credentials are invalid or expired for an
// account. The controller never retries it: the account is frozen until
// credentials are refreshed externally.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.AccountID, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransientError indicates a failure worth retrying with backoff
// (timeout, connection reset).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentError indicates a non-auth client failure (malformed response,
// rejected request). The job is dropped; producers retry on their own
// cadence.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %s", e.Reason)
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RateLimited indicates the provider asked us to slow down. RetryAfter
// carries the provider hint when present; zero means no hint was given.
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// AsRateLimited returns the RateLimited error in err's chain, if any.
func AsRateLimited(err error) (*RateLimited, bool) {
	var rl *RateLimited
	ok := errors.As(err, &rl)
	return rl, ok
}

// FolderPage is one page of a folder's message listing.
type FolderPage struct {
	Messages []model.Message

	// Attachments holds the attachment metadata observed for the
	// messages in this page.
	Attachments []model.Attachment

	// NextCursor is the resume token for the following page; empty
	// means the folder listing is complete for the requested window.
	NextCursor string
}

// Body is a downloaded message body blob.
type Body struct {
	MessageID string
	Text      string
	HTML      string
	Raw       []byte
}

// AttachmentData is a downloaded attachment blob.
type AttachmentData struct {
	AttachmentID string
	Filename     string
	MIMEType     string
	Data         []byte
}

// Service is the wire-level client for one account's provider. The
// controller treats it as an opaque remote; every method returns either a
// result or one of the typed failures above.
type Service interface {
	// FetchFolderList returns the account's current folder set.
	FetchFolderList(ctx context.Context) ([]model.Folder, error)

	// FetchFolderPage returns one page of the folder listing starting
	// at cursor (empty cursor starts a fresh listing), limited to
	// messages newer than horizonDays ago.
	FetchFolderPage(ctx context.Context, folderID, cursor string, pageSize, horizonDays int) (*FolderPage, error)

	// FetchBody downloads the full body for one message.
	FetchBody(ctx context.Context, folderID, messageID string) (*Body, error)

	// FetchAttachment downloads one attachment blob.
	FetchAttachment(ctx context.Context, folderID, attachmentID string) (*AttachmentData, error)

	// ApplyAction applies a user mutation remotely.
	ApplyAction(ctx context.Context, action model.PendingAction) error
}
