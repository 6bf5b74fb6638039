// Package imap implements the mail service contract over IMAP using
// go-imap v2. One client serves one account; every operation dials,
// authenticates, runs, and logs out, so no long-lived connection state
// needs supervising.
package imap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mailapi"
	"github.com/nhle/mailsync/internal/model"
)

// sentMailbox is where uploaded outgoing messages are appended.
const sentMailbox = "Sent"

// Client implements mailapi.Service for one IMAP account.
//
// TODO: track UIDVALIDITY per mailbox and invalidate cached message IDs
// when the server resets it.
type Client struct {
	account model.AccountConfig
	creds   credential.Provider
}

// NewClient creates an IMAP-backed mail service for the account. The
// password is resolved from the credential provider at call time, never
// held on the client.
func NewClient(account model.AccountConfig, creds credential.Provider) *Client {
	return &Client{account: account, creds: creds}
}

var _ mailapi.Service = (*Client)(nil)

// connect dials, authenticates, and returns a live client. The caller
// must Logout.
func (c *Client) connect(_ context.Context) (*imapclient.Client, error) {
	password, err := c.creds.Secret(c.account.ID)
	if err != nil {
		if errors.Is(err, credential.ErrNeedsReauth) {
			return nil, &mailapi.AuthError{
				AccountID: c.account.ID,
				Message:   "stored credential marked invalid",
			}
		}
		return nil, &mailapi.TransientError{Err: err}
	}

	addr := c.account.IMAPHost + ":" + c.account.IMAPPort

	var client *imapclient.Client
	if c.account.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &mailapi.TransientError{
			Err: fmt.Errorf("connecting to IMAP %s: %w", addr, err),
		}
	}

	if err := client.Login(c.account.Username, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &mailapi.AuthError{
			AccountID: c.account.ID,
			Message:   fmt.Sprintf("authentication failed for %s: %v", c.account.Username, err),
		}
	}

	return client, nil
}

// FetchFolderList implements mailapi.Service.
func (c *Client) FetchFolderList(ctx context.Context) ([]model.Folder, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	listed, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, &mailapi.TransientError{
			Err: fmt.Errorf("listing mailboxes: %w", err),
		}
	}

	var folders []model.Folder
	for _, mbox := range listed {
		if hasAttr(mbox.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		folders = append(folders, model.Folder{
			AccountID: c.account.ID,
			FolderID:  mbox.Mailbox,
			Name:      mbox.Mailbox,
			Role:      roleFromAttrs(mbox.Mailbox, mbox.Attrs),
		})
	}
	return folders, nil
}

// FetchFolderPage implements mailapi.Service. The cursor is the decimal
// UID below which the next page continues; pages walk the mailbox newest
// first. An empty NextCursor means the listing window is exhausted.
func (c *Client) FetchFolderPage(
	ctx context.Context,
	folderID, cursor string,
	pageSize, horizonDays int,
) (*mailapi.FolderPage, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folderID, nil).Wait(); err != nil {
		return nil, &mailapi.TransientError{
			Err: fmt.Errorf("selecting %s: %w", folderID, err),
		}
	}

	criteria := &imap.SearchCriteria{}
	if horizonDays > 0 {
		criteria.Since = time.Now().AddDate(0, 0, -horizonDays)
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &mailapi.TransientError{
			Err: fmt.Errorf("searching %s: %w", folderID, err),
		}
	}

	uids := searchData.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	if cursor != "" {
		below, err := strconv.ParseUint(cursor, 10, 32)
		if err != nil {
			return nil, &mailapi.PermanentError{
				Reason: fmt.Sprintf("malformed page cursor %q", cursor),
			}
		}
		for len(uids) > 0 && uint64(uids[0]) >= below {
			uids = uids[1:]
		}
	}

	if len(uids) == 0 {
		return &mailapi.FolderPage{}, nil
	}

	more := false
	if pageSize > 0 && len(uids) > pageSize {
		uids = uids[:pageSize]
		more = true
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	page := &mailapi.FolderPage{}
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		m := messageFromBuffer(c.account.ID, folderID, buf)
		page.Messages = append(page.Messages, m)
		page.Attachments = append(page.Attachments, attachmentsFromStructure(c.account.ID, m.ID, buf.BodyStructure)...)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, &mailapi.TransientError{
			Err: fmt.Errorf("fetching page for %s: %w", folderID, err),
		}
	}

	if more {
		page.NextCursor = strconv.FormatUint(uint64(uids[len(uids)-1]), 10)
	}
	return page, nil
}

// FetchBody implements mailapi.Service.
func (c *Client) FetchBody(ctx context.Context, folderID, messageID string) (*mailapi.Body, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	uid, err := c.resolveUID(client, folderID, messageID)
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &mailapi.PermanentError{
			Reason: fmt.Sprintf("message %s no longer in %s", messageID, folderID),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &mailapi.TransientError{
			Err: fmt.Errorf("collecting body for %s: %w", messageID, err),
		}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &mailapi.PermanentError{
			Reason: fmt.Sprintf("server returned no body section for %s", messageID),
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, &mailapi.TransientError{
			Err: fmt.Errorf("fetching body for %s: %w", messageID, err),
		}
	}

	text, html, _ := parseMIME(raw)
	return &mailapi.Body{
		MessageID: messageID,
		Text:      text,
		HTML:      html,
		Raw:       raw,
	}, nil
}

// FetchAttachment implements mailapi.Service. The attachment's blob is
// cut from the full message body, letting go-message handle the
// transfer-encoding.
func (c *Client) FetchAttachment(ctx context.Context, folderID, attachmentID string) (*mailapi.AttachmentData, error) {
	messageID, index, err := splitAttachmentID(attachmentID)
	if err != nil {
		return nil, err
	}

	body, err := c.FetchBody(ctx, folderID, messageID)
	if err != nil {
		return nil, err
	}

	part, ok := attachmentPart(body.Raw, index)
	if !ok {
		return nil, &mailapi.PermanentError{
			Reason: fmt.Sprintf("message %s has no attachment part %d", messageID, index),
		}
	}

	return &mailapi.AttachmentData{
		AttachmentID: attachmentID,
		Filename:     part.Filename,
		MIMEType:     part.MIMEType,
		Data:         part.Data,
	}, nil
}

// ApplyAction implements mailapi.Service.
func (c *Client) ApplyAction(ctx context.Context, action model.PendingAction) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if action.Type == model.ActionSend {
		return c.appendOutgoing(client, []byte(action.Payload))
	}

	folderID, _, ok := splitMessageID(action.TargetID)
	if !ok {
		return &mailapi.PermanentError{
			Reason: fmt.Sprintf("action %s targets malformed message id %q", action.ID, action.TargetID),
		}
	}

	if _, err := client.Select(folderID, nil).Wait(); err != nil {
		return &mailapi.TransientError{
			Err: fmt.Errorf("selecting %s: %w", folderID, err),
		}
	}

	uid, err := c.resolveUID(client, folderID, action.TargetID)
	if err != nil {
		return err
	}
	uidSet := imap.UIDSetNum(uid)

	switch action.Type {
	case model.ActionMarkRead:
		return c.storeFlags(client, uidSet, []imap.Flag{imap.FlagSeen}, action.Payload != "unread")

	case model.ActionStar:
		return c.storeFlags(client, uidSet, []imap.Flag{imap.FlagFlagged}, action.Payload != "unstar")

	case model.ActionMove:
		if action.Payload == "" {
			return &mailapi.PermanentError{
				Reason: fmt.Sprintf("move action %s has no destination", action.ID),
			}
		}
		if _, err := client.Move(uidSet, action.Payload).Wait(); err != nil {
			return &mailapi.TransientError{
				Err: fmt.Errorf("moving %s to %s: %w", action.TargetID, action.Payload, err),
			}
		}
		return nil

	case model.ActionDelete:
		if err := c.storeFlags(client, uidSet, []imap.Flag{imap.FlagDeleted}, true); err != nil {
			return err
		}
		if err := client.Expunge().Close(); err != nil {
			return &mailapi.TransientError{
				Err: fmt.Errorf("expunging %s: %w", folderID, err),
			}
		}
		return nil

	default:
		return &mailapi.PermanentError{
			Reason: fmt.Sprintf("unsupported action type %q", action.Type),
		}
	}
}

// storeFlags adds or removes flags on the selected mailbox's message.
func (c *Client) storeFlags(client *imapclient.Client, uids imap.UIDSet, flags []imap.Flag, add bool) error {
	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}

	storeCmd := client.Store(uids, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return &mailapi.TransientError{
			Err: fmt.Errorf("storing flags: %w", err),
		}
	}
	return nil
}

// appendOutgoing uploads a sent message into the Sent mailbox.
func (c *Client) appendOutgoing(client *imapclient.Client, raw []byte) error {
	if len(raw) == 0 {
		return &mailapi.PermanentError{Reason: "send action carries no message"}
	}

	appendCmd := client.Append(sentMailbox, int64(len(raw)), nil)
	if _, err := appendCmd.Write(raw); err != nil {
		return &mailapi.TransientError{
			Err: fmt.Errorf("appending to %s: %w", sentMailbox, err),
		}
	}
	if err := appendCmd.Close(); err != nil {
		return &mailapi.TransientError{
			Err: fmt.Errorf("appending to %s: %w", sentMailbox, err),
		}
	}
	if _, err := appendCmd.Wait(); err != nil {
		return &mailapi.TransientError{
			Err: fmt.Errorf("appending to %s: %w", sentMailbox, err),
		}
	}
	return nil
}

// resolveUID maps a message ID back to the mailbox UID it encodes. The
// mailbox must already be selected.
func (c *Client) resolveUID(_ *imapclient.Client, folderID, messageID string) (imap.UID, error) {
	idFolder, uid, ok := splitMessageID(messageID)
	if !ok || idFolder != folderID {
		return 0, &mailapi.PermanentError{
			Reason: fmt.Sprintf("message id %q does not belong to %s", messageID, folderID),
		}
	}
	return uid, nil
}

// messageFromBuffer maps a fetched envelope into the local message model.
func messageFromBuffer(accountID, folderID string, buf *imapclient.FetchMessageBuffer) model.Message {
	m := model.Message{
		ID:        encodeMessageID(folderID, buf.UID),
		AccountID: accountID,
	}

	if buf.Envelope != nil {
		m.Subject = buf.Envelope.Subject
		m.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				m.From = from.Name
			} else {
				m.From = from.Addr()
			}
		}

		var to []string
		for _, addr := range buf.Envelope.To {
			to = append(to, addr.Addr())
		}
		m.To = strings.Join(to, ", ")
	}

	var flags []string
	for _, flag := range buf.Flags {
		flags = append(flags, string(flag))
	}
	m.Flags = strings.Join(flags, " ")

	return m
}

// attachmentsFromStructure walks the fetched BODYSTRUCTURE and records
// attachment metadata without downloading any content. Part ordinals
// match the order parseMIME discovers attachment parts in the raw body.
func attachmentsFromStructure(accountID, messageID string, bs imap.BodyStructure) []model.Attachment {
	if bs == nil {
		return nil
	}

	var atts []model.Attachment
	index := 0
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		single, ok := part.(*imap.BodyStructureSinglePart)
		if !ok {
			return true
		}

		disp := single.Disposition()
		if disp == nil || !strings.EqualFold(disp.Value, "attachment") {
			return true
		}

		atts = append(atts, model.Attachment{
			ID:        encodeAttachmentID(messageID, index),
			MessageID: messageID,
			AccountID: accountID,
			Filename:  single.Filename(),
			MIMEType:  single.MediaType(),
			SizeBytes: int64(single.Size),
		})
		index++
		return true
	})

	return atts
}

// hasAttr reports whether the mailbox attribute list contains attr.
func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// roleFromAttrs maps special-use mailbox attributes to a role hint.
func roleFromAttrs(mailbox string, attrs []imap.MailboxAttr) string {
	for _, attr := range attrs {
		switch attr {
		case imap.MailboxAttrSent:
			return "sent"
		case imap.MailboxAttrDrafts:
			return "drafts"
		case imap.MailboxAttrTrash:
			return "trash"
		case imap.MailboxAttrJunk:
			return "junk"
		case imap.MailboxAttrArchive:
			return "archive"
		case imap.MailboxAttrFlagged:
			return "flagged"
		case imap.MailboxAttrAll:
			return "all"
		}
	}
	if strings.EqualFold(mailbox, "INBOX") {
		return "inbox"
	}
	return ""
}

// encodeMessageID builds the stable local id for a mailbox message.
// UIDs are only meaningful within their mailbox, so the mailbox is part
// of the id.
func encodeMessageID(folderID string, uid imap.UID) string {
	return folderID + ":" + strconv.FormatUint(uint64(uid), 10)
}

// splitMessageID reverses encodeMessageID. The mailbox name may itself
// contain colons, so the split is on the last one.
func splitMessageID(id string) (folderID string, uid imap.UID, ok bool) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return id[:i], imap.UID(n), true
}

// encodeAttachmentID builds the local id for one attachment part.
func encodeAttachmentID(messageID string, index int) string {
	return messageID + "#" + strconv.Itoa(index)
}

// splitAttachmentID reverses encodeAttachmentID.
func splitAttachmentID(id string) (messageID string, index int, err error) {
	i := strings.LastIndex(id, "#")
	if i <= 0 {
		return "", 0, &mailapi.PermanentError{
			Reason: fmt.Sprintf("malformed attachment id %q", id),
		}
	}
	n, perr := strconv.Atoi(id[i+1:])
	if perr != nil {
		return "", 0, &mailapi.PermanentError{
			Reason: fmt.Sprintf("malformed attachment id %q", id),
		}
	}
	return id[:i], n, nil
}
