package imap

import (
	"fmt"
	"slices"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// newestFirst is the listing order: received date, newest on top.
var newestFirst = []sortthread.SortCriterion{
	{Field: sortthread.SortArrival, Reverse: true},
}

// sortedUIDs returns the UIDs matching criteria, newest first. It uses the SORT
// extension when the server has it. Without SORT, UIDs are ordered descending,
// which matches arrival order on every server we talk to.
func sortedUIDs(c *client.Client, criteria *imap.SearchCriteria) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if criteria == nil {
		criteria = imap.NewSearchCriteria()
	}

	if ok, err := c.Support("SORT"); err == nil && ok {
		uids, err := sortthread.NewSortClient(c).UidSort(newestFirst, criteria)
		if err != nil {
			return nil, fmt.Errorf("SORT command returned error: %w", err)
		}
		return uids, nil
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	slices.Sort(uids)
	slices.Reverse(uids)
	return uids, nil
}

// page cuts one page out of uids. The cursor is the offset of the page start.
func page(uids []uint32, offset, limit int) ([]uint32, int, bool) {
	if offset >= len(uids) {
		return []uint32{}, len(uids), false
	}
	end := offset + limit
	if end > len(uids) {
		end = len(uids)
	}
	return uids[offset:end], end, end < len(uids)
}
