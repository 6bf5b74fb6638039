package model

import "time"

// Folder is a remote mailbox folder (or label) observed for an account.
type Folder struct {
	AccountID string
	FolderID  string
	Name      string

	// Role is the provider's special-use hint ("inbox", "sent",
	// "trash", ...) when known.
	Role string
}

// Message is the locally cached header-level view of one mail message.
// A message can belong to multiple folders (label-style providers), so
// folder membership lives in a separate link relation.
type Message struct {
	ID        string
	AccountID string
	Subject   string
	From      string
	To        string
	Date      time.Time
	Flags     string

	// HasBody reports whether the full body blob has been downloaded
	// into the local cache.
	HasBody bool

	FetchedAt time.Time
}

// Attachment is the metadata for one attachment of a cached message.
type Attachment struct {
	ID        string
	MessageID string
	AccountID string
	Filename  string
	MIMEType  string
	SizeBytes int64

	// Downloaded reports whether the blob is present in the local cache.
	Downloaded bool
}
