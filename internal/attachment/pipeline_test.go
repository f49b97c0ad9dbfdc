package attachment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
	"github.com/vdavid/vmail/mailcore/internal/testutil"
)

func file(name, content string) gateway.File {
	return gateway.File{
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(content)),
		Content:  strings.NewReader(content),
	}
}

func testConfig() Config {
	return Config{MaxFileBytes: 1024, MaxCount: 3, ErrorTTL: time.Minute}
}

func TestPipeline_Upload(t *testing.T) {
	t.Run("uploads and attaches file", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		repo := testutil.NewFakeDraftAttachmentRepository()
		p := New("draft-1", storage, repo, testConfig(), nil)
		defer p.Close()

		att, err := p.Upload(context.Background(), file("notes.txt", "hello"))
		require.NoError(t, err)

		assert.NotEmpty(t, att.ID)
		assert.Equal(t, "notes.txt", att.Name)
		assert.Equal(t, int64(5), att.SizeBytes)
		assert.Equal(t, "https://files.test/attachments/draft-1/notes.txt", att.URL)
		assert.Len(t, p.Attachments(), 1)
		assert.False(t, p.Uploading())

		saved, err := repo.ListDraftAttachments(context.Background(), "draft-1")
		require.NoError(t, err)
		assert.Len(t, saved, 1)
	})

	t.Run("rejects oversized file with its name", func(t *testing.T) {
		p := New("draft-1", testutil.NewFakeStorage(), nil, testConfig(), nil)
		defer p.Close()

		_, err := p.Upload(context.Background(), file("huge.bin", strings.Repeat("x", 2048)))
		require.Error(t, err)
		assert.ErrorIs(t, err, gateway.ErrFileTooLarge)
		assert.True(t, gateway.IsValidation(err))
		assert.Contains(t, err.Error(), "huge.bin")
		assert.Contains(t, err.Error(), "2.0 KiB")
		assert.Empty(t, p.Attachments())

		errs := p.Errors()
		require.Len(t, errs, 1)
		assert.Equal(t, "huge.bin", errs[0].FileName)
	})

	t.Run("rejects duplicate by name and size", func(t *testing.T) {
		p := New("draft-1", testutil.NewFakeStorage(), nil, testConfig(), nil)
		defer p.Close()

		_, err := p.Upload(context.Background(), file("a.txt", "abc"))
		require.NoError(t, err)
		_, err = p.Upload(context.Background(), file("a.txt", "xyz"))
		assert.ErrorIs(t, err, gateway.ErrDuplicateAttachment)
		assert.Len(t, p.Attachments(), 1)

		_, err = p.Upload(context.Background(), file("a.txt", "abcd"))
		assert.NoError(t, err, "same name with a different size is a different file")
	})

	t.Run("size is checked before duplicates", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxFileBytes = 3
		p := New("draft-1", testutil.NewFakeStorage(), nil, cfg, nil)
		defer p.Close()

		p.Seed([]models.EmailAttachment{{ID: "seeded", Name: "a.txt", SizeBytes: 4}})
		_, err := p.Upload(context.Background(), file("a.txt", "abcd"))
		assert.ErrorIs(t, err, gateway.ErrFileTooLarge)
	})

	t.Run("storage failure is surfaced and leaves list intact", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		storage.Fail("bad.txt", errors.New("bucket unavailable"))
		p := New("draft-1", storage, nil, testConfig(), nil)
		defer p.Close()

		_, err := p.Upload(context.Background(), file("good.txt", "ok"))
		require.NoError(t, err)
		_, err = p.Upload(context.Background(), file("bad.txt", "no"))
		require.Error(t, err)

		assert.Len(t, p.Attachments(), 1)
		errs := p.Errors()
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "bucket unavailable")
	})
}

func TestPipeline_Add(t *testing.T) {
	t.Run("uploads concurrently and tracks progress", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		release := storage.Block()
		p := New("draft-1", storage, nil, testConfig(), nil)
		defer p.Close()

		ids := p.Add(file("one.txt", "1"), file("two.txt", "22"))
		require.Len(t, ids, 2)
		assert.True(t, p.Uploading())

		progress := p.Progress()
		require.Len(t, progress, 2)
		assert.Equal(t, "one.txt", progress[0].Name)
		assert.Equal(t, 0, progress[0].Percent)

		release()
		p.Wait()

		assert.False(t, p.Uploading())
		assert.Empty(t, p.Progress())
		assert.Len(t, p.Attachments(), 2)
	})

	t.Run("rejects files past the count limit", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		release := storage.Block()
		cfg := testConfig()
		cfg.MaxCount = 2
		p := New("draft-1", storage, nil, cfg, nil)
		defer p.Close()

		ids := p.Add(file("1.txt", "1"), file("2.txt", "2"), file("3.txt", "3"))
		assert.Len(t, ids, 2)

		errs := p.Errors()
		require.Len(t, errs, 1)
		assert.Equal(t, "3.txt", errs[0].FileName)

		release()
		p.Wait()
		assert.Len(t, p.Attachments(), 2)
	})

	t.Run("duplicate of an upload in flight is rejected", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		release := storage.Block()
		defer release()
		p := New("draft-1", storage, nil, testConfig(), nil)
		defer p.Close()

		ids := p.Add(file("same.txt", "abc"), file("same.txt", "abc"))
		assert.Len(t, ids, 1)
		assert.Len(t, p.Errors(), 1)
	})

	t.Run("one failure does not affect the others", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		storage.Fail("b.txt", errors.New("boom"))
		p := New("draft-1", storage, nil, testConfig(), nil)
		defer p.Close()

		p.Add(file("a.txt", "a"), file("b.txt", "b"), file("c.txt", "c"))
		p.Wait()

		names := []string{}
		for _, a := range p.Attachments() {
			names = append(names, a.Name)
		}
		assert.ElementsMatch(t, []string{"a.txt", "c.txt"}, names)
		assert.Len(t, p.Errors(), 1)
	})
}

func TestPipeline_Errors(t *testing.T) {
	t.Run("errors clear after the ttl", func(t *testing.T) {
		cfg := testConfig()
		cfg.ErrorTTL = 20 * time.Millisecond
		p := New("draft-1", testutil.NewFakeStorage(), nil, cfg, nil)
		defer p.Close()

		p.Add(file("huge.bin", strings.Repeat("x", 2048)))
		assert.Len(t, p.Errors(), 1)
		assert.Eventually(t, func() bool { return len(p.Errors()) == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("dismiss removes an error", func(t *testing.T) {
		p := New("draft-1", testutil.NewFakeStorage(), nil, testConfig(), nil)
		defer p.Close()

		p.Add(file("huge.bin", strings.Repeat("x", 2048)))
		errs := p.Errors()
		require.Len(t, errs, 1)
		p.DismissError(errs[0].ID)
		assert.Empty(t, p.Errors())
	})
}

func TestPipeline_CancelAndRemove(t *testing.T) {
	t.Run("cancel drops upload without error", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		release := storage.Block()
		defer release()
		p := New("draft-1", storage, nil, testConfig(), nil)
		defer p.Close()

		ids := p.Add(file("a.txt", "a"), file("b.txt", "b"))
		require.Len(t, ids, 2)
		require.NoError(t, p.Cancel(ids[0]))

		assert.Eventually(t, func() bool { return len(p.Progress()) == 1 }, time.Second, 5*time.Millisecond)
		release()
		p.Wait()

		attached := p.Attachments()
		require.Len(t, attached, 1)
		assert.Equal(t, "b.txt", attached[0].Name)
		assert.Empty(t, p.Errors())
	})

	t.Run("cancel unknown upload", func(t *testing.T) {
		p := New("draft-1", testutil.NewFakeStorage(), nil, testConfig(), nil)
		defer p.Close()
		assert.ErrorIs(t, p.Cancel("nope"), gateway.ErrNotFound)
	})

	t.Run("remove detaches file and its metadata", func(t *testing.T) {
		repo := testutil.NewFakeDraftAttachmentRepository()
		p := New("draft-1", testutil.NewFakeStorage(), repo, testConfig(), nil)
		defer p.Close()

		att, err := p.Upload(context.Background(), file("a.txt", "a"))
		require.NoError(t, err)
		require.NoError(t, p.Remove(context.Background(), att.ID))

		assert.Empty(t, p.Attachments())
		saved, err := repo.ListDraftAttachments(context.Background(), "draft-1")
		require.NoError(t, err)
		assert.Empty(t, saved)

		assert.ErrorIs(t, p.Remove(context.Background(), att.ID), gateway.ErrNotFound)
	})

	t.Run("close cancels uploads in flight", func(t *testing.T) {
		storage := testutil.NewFakeStorage()
		release := storage.Block()
		defer release()
		p := New("draft-1", storage, nil, testConfig(), nil)

		p.Add(file("a.txt", "a"))
		p.Close()
		p.Wait()

		assert.Empty(t, p.Attachments())
		assert.Empty(t, p.Errors())
		_, err := p.Upload(context.Background(), file("b.txt", "b"))
		assert.Error(t, err)
	})

	t.Run("on change fires", func(t *testing.T) {
		p := New("draft-1", testutil.NewFakeStorage(), nil, testConfig(), nil)
		defer p.Close()
		changes := 0
		p.OnChange(func() { changes++ })

		_, err := p.Upload(context.Background(), file("a.txt", "a"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, changes, 2)
	})
}
