package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/notify"
	"github.com/vdavid/vmail/mailcore/internal/testutil"
)

type counter struct {
	mu     sync.Mutex
	deltas map[string]int
}

func (c *counter) AdjustUnread(folderID string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deltas == nil {
		c.deltas = map[string]int{}
	}
	c.deltas[folderID] += delta
}

func (c *counter) get(folderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deltas[folderID]
}

func messages(folderID string, n int) []models.EmailMessage {
	out := make([]models.EmailMessage, n)
	for i := range out {
		out[i] = models.EmailMessage{
			ID:             fmt.Sprintf("%s-%d", folderID, i),
			Subject:        fmt.Sprintf("Message %d", i),
			UnsafeBodyHTML: `<p onclick="steal()">Body</p><script>x()</script>`,
			IsRead:         i%2 == 0,
			HasAttachments: i%3 == 0,
		}
	}
	return out
}

func newStore(t *testing.T, pageSize int) (*Store, *testutil.FakeMailProvider, *counter) {
	t.Helper()
	provider := testutil.NewFakeMailProvider()
	provider.AddMessages("acc", "inbox", messages("inbox", 5)...)
	provider.AddMessages("acc", "work", messages("work", 3)...)
	c := &counter{}
	s, err := NewStore("user-1", provider, &notify.Recorder{}, c, pageSize, 8, nil)
	require.NoError(t, err)
	return s, provider, c
}

func ids(page *Page) []string {
	out := make([]string, len(page.Messages))
	for i, m := range page.Messages {
		out[i] = m.ID
	}
	return out
}

func TestStore_Pagination(t *testing.T) {
	ctx := context.Background()

	t.Run("loads first page then appends", func(t *testing.T) {
		s, _, _ := newStore(t, 2)

		page, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)
		assert.Equal(t, []string{"inbox-0", "inbox-1"}, ids(page))
		assert.True(t, page.HasMore)

		page, err = s.LoadMore(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"inbox-0", "inbox-1", "inbox-2", "inbox-3"}, ids(page))

		page, err = s.LoadMore(ctx)
		require.NoError(t, err)
		assert.Len(t, page.Messages, 5)
		assert.False(t, page.HasMore)

		page, err = s.LoadMore(ctx)
		require.NoError(t, err)
		assert.Len(t, page.Messages, 5, "load more past the end is a no-op")
	})

	t.Run("list payload carries no bodies", func(t *testing.T) {
		s, _, _ := newStore(t, 10)
		page, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)
		assert.Empty(t, page.Messages[0].UnsafeBodyHTML)
	})

	t.Run("switching filter restarts pagination", func(t *testing.T) {
		s, _, _ := newStore(t, 2)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)
		_, err = s.LoadMore(ctx)
		require.NoError(t, err)

		page, err := s.SetFilter(ctx, models.FilterUnread)
		require.NoError(t, err)
		assert.Equal(t, []string{"inbox-1", "inbox-3"}, ids(page))
		assert.Equal(t, models.FilterUnread, page.Filter)

		page, err = s.SetFilter(ctx, models.FilterHasAttachments)
		require.NoError(t, err)
		assert.Equal(t, []string{"inbox-0", "inbox-3"}, ids(page))
	})

	t.Run("rejects unknown filter", func(t *testing.T) {
		s, provider, _ := newStore(t, 2)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.MessageFilter("starred"))
		assert.True(t, gateway.IsValidation(err))
		assert.Zero(t, provider.CallCount("ListMessages"))
	})

	t.Run("provider error is surfaced", func(t *testing.T) {
		s, provider, _ := newStore(t, 2)
		provider.Fail("ListMessages", gateway.NewProviderError("ListMessages", gateway.KindNetwork, errors.New("timeout")))
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		assert.True(t, gateway.IsRetryable(err))
		assert.False(t, s.Page().Loading)
	})

	t.Run("failed load more publishes the settled page", func(t *testing.T) {
		provider := testutil.NewFakeMailProvider()
		provider.AddMessages("acc", "inbox", messages("inbox", 5)...)
		rec := &notify.Recorder{}
		s, err := NewStore("user-1", provider, rec, &counter{}, 2, 8, nil)
		require.NoError(t, err)
		_, err = s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		provider.Fail("ListMessages", gateway.NewProviderError("ListMessages", gateway.KindNetwork, errors.New("timeout")))
		before := len(rec.Events())
		_, err = s.LoadMore(ctx)
		require.Error(t, err)

		events := rec.Events()[before:]
		require.Len(t, events, 2)
		assert.True(t, events[0].Data.(*Page).Loading)
		last := events[1].Data.(*Page)
		assert.Equal(t, notify.MessagesChanged, events[1].Type)
		assert.False(t, last.Loading)
		assert.Equal(t, []string{"inbox-0", "inbox-1"}, ids(last))
		assert.True(t, last.HasMore, "a failed page can be retried")
	})
}

func TestStore_StaleResponses(t *testing.T) {
	ctx := context.Background()

	t.Run("folder switch drops the previous folder's response", func(t *testing.T) {
		s, provider, _ := newStore(t, 10)
		release := provider.Block("ListMessages:inbox")
		defer release()

		errCh := make(chan error, 1)
		go func() {
			_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return provider.CallCount("ListMessages:inbox") == 1 }, time.Second, time.Millisecond)

		_, err := s.LoadPage(ctx, "acc", "work", models.FilterAll)
		require.NoError(t, err)
		release()

		assert.ErrorIs(t, <-errCh, gateway.ErrStale)
		page := s.Page()
		assert.Equal(t, "work", page.FolderID)
		assert.Equal(t, []string{"work-0", "work-1", "work-2"}, ids(page))
	})

	t.Run("reset drops load more", func(t *testing.T) {
		s, provider, _ := newStore(t, 2)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		release := provider.Block("ListMessages:inbox")
		defer release()
		errCh := make(chan error, 1)
		go func() {
			_, err := s.LoadMore(ctx)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return provider.CallCount("ListMessages:inbox") == 2 }, time.Second, time.Millisecond)

		s.Reset()
		assert.ErrorIs(t, <-errCh, gateway.ErrStale)
		assert.Empty(t, s.Page().Messages)
	})
}

func TestStore_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("loads full body sanitized and marks read", func(t *testing.T) {
		s, provider, c := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		view, err := s.Open(ctx, "inbox-1")
		require.NoError(t, err)
		assert.Equal(t, "<p>Body</p>", view.SafeHTML)
		assert.Empty(t, view.PlainText)
		assert.True(t, view.Message.IsRead)
		assert.Equal(t, "inbox-1", s.OpenedID())
		assert.Equal(t, -1, c.get("inbox"))
		assert.Equal(t, 1, provider.CallCount("SetRead:inbox-1"))

		_, err = s.Open(ctx, "inbox-1")
		require.NoError(t, err)
		assert.Equal(t, 1, provider.CallCount("GetMessage:inbox-1"), "second open is served from cache")
		assert.Equal(t, 1, provider.CallCount("SetRead:inbox-1"))
	})

	t.Run("plain text message is not sanitized", func(t *testing.T) {
		s, provider, _ := newStore(t, 10)
		provider.AddMessages("acc", "inbox", models.EmailMessage{ID: "plain", BodyText: "1 < 2", IsRead: true})
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		view, err := s.Open(ctx, "plain")
		require.NoError(t, err)
		assert.Equal(t, "1 < 2", view.PlainText)
		assert.Empty(t, view.SafeHTML)
	})

	t.Run("get does not mark read", func(t *testing.T) {
		s, provider, c := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		msg, err := s.Get(ctx, "inbox-1")
		require.NoError(t, err)
		assert.False(t, msg.IsRead)
		assert.Empty(t, s.OpenedID())
		assert.Zero(t, c.get("inbox"))
		assert.Zero(t, provider.CallCount("SetRead:inbox-1"))
	})

	t.Run("unknown message", func(t *testing.T) {
		s, _, _ := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		_, err = s.Open(ctx, "nope")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
		assert.Empty(t, s.OpenedID())
	})
}

func TestStore_MarkRead(t *testing.T) {
	ctx := context.Background()

	t.Run("rolls back on failure", func(t *testing.T) {
		s, provider, c := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)
		provider.Fail("SetRead", errors.New("offline"))

		err = s.MarkRead(ctx, "inbox-1", true)
		require.Error(t, err)
		assert.False(t, s.Page().Messages[1].IsRead)
		assert.Equal(t, 0, c.get("inbox"))
	})

	t.Run("mark unread", func(t *testing.T) {
		s, _, c := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		require.NoError(t, s.MarkRead(ctx, "inbox-0", false))
		assert.False(t, s.Page().Messages[0].IsRead)
		assert.Equal(t, 1, c.get("inbox"))
	})

	t.Run("no change skips the provider", func(t *testing.T) {
		s, provider, _ := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		require.NoError(t, s.MarkRead(ctx, "inbox-0", true))
		assert.Zero(t, provider.CallCount("SetRead"))
	})
}

func TestStore_MoveDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("move transfers ownership", func(t *testing.T) {
		s, provider, c := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		require.NoError(t, s.Move(ctx, "inbox-1", "work"))
		assert.NotContains(t, ids(s.Page()), "inbox-1")
		assert.Equal(t, -1, c.get("inbox"))
		assert.Equal(t, 1, c.get("work"))

		page, err := s.LoadPage(ctx, "acc", "work", models.FilterAll)
		require.NoError(t, err)
		assert.Equal(t, "inbox-1", page.Messages[0].ID)
		assert.Equal(t, 1, provider.CallCount("MoveMessage"))
	})

	t.Run("failed move is put back in place", func(t *testing.T) {
		s, provider, c := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)
		provider.Fail("MoveMessage", gateway.NewProviderError("MoveMessage", gateway.KindNetwork, errors.New("reset")))

		err = s.Move(ctx, "inbox-1", "work")
		assert.True(t, gateway.IsRetryable(err))
		assert.Equal(t, []string{"inbox-0", "inbox-1", "inbox-2", "inbox-3", "inbox-4"}, ids(s.Page()))
		assert.Equal(t, 0, c.get("inbox"))
		assert.Equal(t, 0, c.get("work"))
	})

	t.Run("delete", func(t *testing.T) {
		s, _, _ := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "inbox-0"))
		assert.Len(t, s.Page().Messages, 4)
	})

	t.Run("failed delete after folder switch is not reinserted", func(t *testing.T) {
		s, provider, _ := newStore(t, 10)
		_, err := s.LoadPage(ctx, "acc", "inbox", models.FilterAll)
		require.NoError(t, err)

		provider.Fail("DeleteMessage", errors.New("boom"))
		release := provider.Block("DeleteMessage")
		errCh := make(chan error, 1)
		go func() { errCh <- s.Delete(ctx, "inbox-0") }()
		require.Eventually(t, func() bool { return provider.CallCount("DeleteMessage") == 1 }, time.Second, time.Millisecond)

		_, err = s.LoadPage(ctx, "acc", "work", models.FilterAll)
		require.NoError(t, err)
		release()

		require.Error(t, <-errCh)
		assert.Equal(t, []string{"work-0", "work-1", "work-2"}, ids(s.Page()))
	})
}
