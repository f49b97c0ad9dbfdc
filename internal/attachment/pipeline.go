// Package attachment validates and uploads the files attached to a draft.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// Config holds the pipeline limits.
type Config struct {
	// MaxFileBytes is the per-file size ceiling.
	MaxFileBytes int64
	// MaxCount is the number of files a draft may carry, uploads in flight included.
	MaxCount int
	// ErrorTTL is how long an error stays in the list.
	ErrorTTL time.Duration
}

// DefaultConfig returns the limits used for message attachments.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes: 25 << 20,
		MaxCount:     10,
		ErrorTTL:     5 * time.Second,
	}
}

// UploadError is a rejected or failed file, shown until it expires.
type UploadError struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Message  string `json:"message"`
}

// UploadProgress is a snapshot of one upload in flight.
type UploadProgress struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Percent   int    `json:"percent"`
}

type upload struct {
	id     string
	file   gateway.File
	reader *progressReader
	cancel context.CancelFunc
	done   chan struct{}
	result *models.EmailAttachment
	err    error
}

// Pipeline owns the attachment list of one draft. Files upload concurrently
// and independently: a failed or cancelled upload never touches the others.
type Pipeline struct {
	draftID string
	storage gateway.StorageGateway
	repo    gateway.DraftAttachmentRepository
	cfg     Config
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	onChange  func()
	attached  []models.EmailAttachment
	uploads   map[string]*upload
	order     []string
	errors    []UploadError
	nextErrID int
	timers    map[int]*time.Timer
	closed    bool
}

// New creates a pipeline for draftID. repo may be nil when attachment
// metadata is not persisted.
func New(draftID string, storage gateway.StorageGateway, repo gateway.DraftAttachmentRepository, cfg Config, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		draftID: draftID,
		storage: storage,
		repo:    repo,
		cfg:     cfg,
		log:     logger.WithFields(logrus.Fields{"component": "AttachmentPipeline", "draft_id": draftID}),
		ctx:     ctx,
		cancel:  cancel,
		uploads: make(map[string]*upload),
		timers:  make(map[int]*time.Timer),
	}
}

// OnChange registers a callback run after every change to attachments,
// uploads or errors. It is called without the pipeline lock held.
func (p *Pipeline) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Upload validates file, uploads it and waits for the result.
// Cancelling ctx cancels the upload.
func (p *Pipeline) Upload(ctx context.Context, file gateway.File) (*models.EmailAttachment, error) {
	u, err := p.start(ctx, file)
	if err != nil {
		return nil, err
	}
	<-u.done
	return u.result, u.err
}

// Add validates files in order and starts an upload for each accepted one
// without waiting. Rejected files land in the error list. It returns the
// upload IDs of the accepted files.
func (p *Pipeline) Add(files ...gateway.File) []string {
	var ids []string
	for _, file := range files {
		u, err := p.start(context.Background(), file)
		if err != nil {
			continue
		}
		ids = append(ids, u.id)
	}
	return ids
}

func (p *Pipeline) start(parent context.Context, file gateway.File) (*upload, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("attachment pipeline for draft %s is closed", p.draftID)
	}
	if err := p.validateLocked(file); err != nil {
		p.addErrorLocked(file.Name, err)
		p.mu.Unlock()
		p.log.WithField("file", file.Name).WithError(err).Debug("Rejected attachment")
		p.changed()
		return nil, err
	}

	ctx, cancel := context.WithCancel(p.ctx)
	u := &upload{
		id:     uuid.NewString(),
		file:   file,
		reader: &progressReader{ctx: ctx, r: file.Content},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.uploads[u.id] = u
	p.order = append(p.order, u.id)
	p.wg.Add(1)
	p.mu.Unlock()

	stop := context.AfterFunc(parent, cancel)
	p.changed()
	go p.run(ctx, u, stop)
	return u, nil
}

// validateLocked applies the size, duplicate and count checks in that order.
// Files still uploading count as attached.
func (p *Pipeline) validateLocked(file gateway.File) error {
	if err := CheckSize(file, p.cfg.MaxFileBytes); err != nil {
		return err
	}
	existing := slices.Clone(p.attached)
	for _, u := range p.uploads {
		existing = append(existing, models.EmailAttachment{Name: u.file.Name, SizeBytes: u.file.Size})
	}
	if err := CheckDuplicate(file, existing); err != nil {
		return err
	}
	return CheckCount(file, len(existing), p.cfg.MaxCount)
}

func (p *Pipeline) run(ctx context.Context, u *upload, stop func() bool) {
	defer p.wg.Done()
	defer stop()
	defer close(u.done)

	file := u.file
	file.Content = u.reader
	stored, err := p.storage.UploadFile(ctx, file, "attachments/"+p.draftID)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	var att *models.EmailAttachment
	if err == nil {
		att = &models.EmailAttachment{
			ID:        uuid.NewString(),
			Name:      file.Name,
			MimeType:  file.MimeType,
			SizeBytes: file.Size,
			URL:       stored.URL,
		}
		if p.repo != nil {
			if saveErr := p.repo.SaveDraftAttachment(ctx, p.draftID, att); saveErr != nil {
				err = fmt.Errorf("failed to save attachment metadata: %w", saveErr)
				att = nil
			}
		}
	}

	p.mu.Lock()
	delete(p.uploads, u.id)
	p.order = slices.DeleteFunc(p.order, func(id string) bool { return id == u.id })
	switch {
	case err == nil:
		if !p.closed {
			p.attached = append(p.attached, *att)
		}
	case errors.Is(err, context.Canceled):
		p.log.WithField("file", file.Name).Debug("Upload cancelled")
	default:
		p.addErrorLocked(file.Name, fmt.Errorf("failed to upload %s: %w", file.Name, err))
		p.log.WithField("file", file.Name).WithError(err).Warn("Upload failed")
	}
	u.result, u.err = att, err
	p.mu.Unlock()
	p.changed()
}

func (p *Pipeline) addErrorLocked(fileName string, err error) {
	message := err.Error()
	var v *gateway.ValidationError
	if errors.As(err, &v) {
		message = v.Message
	}

	id := p.nextErrID
	p.nextErrID++
	p.errors = append(p.errors, UploadError{ID: id, FileName: fileName, Message: message})
	if p.cfg.ErrorTTL > 0 {
		p.timers[id] = time.AfterFunc(p.cfg.ErrorTTL, func() { p.DismissError(id) })
	}
}

// DismissError removes an error from the list before it expires.
func (p *Pipeline) DismissError(id int) {
	p.mu.Lock()
	before := len(p.errors)
	p.errors = slices.DeleteFunc(p.errors, func(e UploadError) bool { return e.ID == id })
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
	removed := len(p.errors) != before
	p.mu.Unlock()
	if removed {
		p.changed()
	}
}

// Cancel stops an upload in flight. The file is dropped without an error.
func (p *Pipeline) Cancel(uploadID string) error {
	p.mu.Lock()
	u, ok := p.uploads[uploadID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, gateway.ErrNotFound)
	}
	u.cancel()
	return nil
}

// Remove detaches an uploaded file from the draft.
func (p *Pipeline) Remove(ctx context.Context, attachmentID string) error {
	p.mu.Lock()
	idx := slices.IndexFunc(p.attached, func(a models.EmailAttachment) bool { return a.ID == attachmentID })
	p.mu.Unlock()
	if idx < 0 {
		return fmt.Errorf("attachment %s: %w", attachmentID, gateway.ErrNotFound)
	}

	if p.repo != nil {
		if err := p.repo.DeleteDraftAttachment(ctx, p.draftID, attachmentID); err != nil {
			return fmt.Errorf("failed to delete attachment metadata: %w", err)
		}
	}

	p.mu.Lock()
	p.attached = slices.DeleteFunc(p.attached, func(a models.EmailAttachment) bool { return a.ID == attachmentID })
	p.mu.Unlock()
	p.changed()
	return nil
}

// Seed sets attachments that are already stored, such as those of a
// forwarded message. They count toward the duplicate and count checks.
func (p *Pipeline) Seed(attachments []models.EmailAttachment) {
	p.mu.Lock()
	p.attached = append(p.attached, attachments...)
	p.mu.Unlock()
	p.changed()
}

// Attachments returns the uploaded files.
func (p *Pipeline) Attachments() []models.EmailAttachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.attached)
}

// Progress returns the uploads in flight in the order they started.
func (p *Pipeline) Progress() []UploadProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UploadProgress, 0, len(p.order))
	for _, id := range p.order {
		u := p.uploads[id]
		out = append(out, UploadProgress{
			ID:        u.id,
			Name:      u.file.Name,
			SizeBytes: u.file.Size,
			Percent:   percent(u.reader.read.Load(), u.file.Size),
		})
	}
	return out
}

// Uploading reports whether at least one file is in flight.
func (p *Pipeline) Uploading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.uploads) > 0
}

// Errors returns the current error list.
func (p *Pipeline) Errors() []UploadError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.errors)
}

// Wait blocks until every started upload has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels uploads in flight and stops the error timers. Files that
// finish after Close are not attached.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()
	p.cancel()
}

func (p *Pipeline) changed() {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}
