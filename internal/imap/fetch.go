package imap

import (
	"errors"
	"fmt"
	"slices"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// summaryItems are fetched for every message in a listing.
var summaryItems = []imap.FetchItem{
	imap.FetchUid,
	imap.FetchEnvelope,
	imap.FetchFlags,
	imap.FetchBodyStructure,
	imap.FetchInternalDate,
	importanceSection.FetchItem(),
}

// fullBodySection is the whole RFC 822 message, fetched without setting \Seen.
var fullBodySection = &imap.BodySectionName{Peek: true}

// uidFetch runs one UID FETCH and collects the responses. go-imap streams
// them on a channel that is closed when the command completes.
func uidFetch(c *client.Client, uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	if c == nil {
		return nil, errors.New("no IMAP connection")
	}
	if len(uids) == 0 {
		return nil, nil
	}

	set := new(imap.SeqSet)
	set.AddNum(uids...)

	ch := make(chan *imap.Message, len(uids))
	errc := make(chan error, 1)
	go func() { errc <- c.UidFetch(set, items, ch) }()

	out := make([]*imap.Message, 0, len(uids))
	for msg := range ch {
		out = append(out, msg)
	}
	return out, <-errc
}

// fetchSummaries returns list data keyed by UID. UIDs the server no longer
// has are missing from the map.
func fetchSummaries(c *client.Client, uids []uint32) (map[uint32]*imap.Message, error) {
	msgs, err := uidFetch(c, uids, summaryItems)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	byUID := make(map[uint32]*imap.Message, len(msgs))
	for _, msg := range msgs {
		byUID[msg.Uid] = msg
	}
	return byUID, nil
}

// fetchOne returns the response for uid, or nil when the server has no such
// message.
func fetchOne(c *client.Client, uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	msgs, err := uidFetch(c, []uint32{uid}, items)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Uid == uid {
			return msg, nil
		}
	}
	return nil, nil
}

// fetchFull fetches one message with its body. It returns nil when the UID
// does not exist.
func fetchFull(c *client.Client, uid uint32) (*imap.Message, error) {
	items := append(slices.Clone(summaryItems), fullBodySection.FetchItem())
	msg, err := fetchOne(c, uid, items)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return msg, nil
}

// fetchMessageIDHeader returns the Message-ID of a message, "" if it has none.
func fetchMessageIDHeader(c *client.Client, uid uint32) (string, error) {
	msg, err := fetchOne(c, uid, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope})
	switch {
	case err != nil:
		return "", fmt.Errorf("failed to fetch envelope: %w", err)
	case msg == nil:
		return "", ErrMessageNotFound
	case msg.Envelope == nil:
		return "", nil
	}
	return msg.Envelope.MessageId, nil
}
