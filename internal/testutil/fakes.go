package testutil

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// FakeMailProvider is an in-memory gateway.MailProvider. Calls can be made to
// fail with Fail or to block until released with Block.
type FakeMailProvider struct {
	mu            sync.Mutex
	accounts      map[string][]models.EmailAccount
	folders       map[string][]models.EmailFolder
	messages      map[string][]models.EmailMessage
	searchResults map[string][]models.EmailMessage
	errs          map[string]error
	gates         map[string]chan struct{}
	calls         []string
	sent          []*models.OutgoingMessage
	connectNext   *models.EmailAccount
}

var _ gateway.MailProvider = (*FakeMailProvider)(nil)

// NewFakeMailProvider returns an empty provider.
func NewFakeMailProvider() *FakeMailProvider {
	return &FakeMailProvider{
		accounts:      make(map[string][]models.EmailAccount),
		folders:       make(map[string][]models.EmailFolder),
		messages:      make(map[string][]models.EmailMessage),
		searchResults: make(map[string][]models.EmailMessage),
		errs:          make(map[string]error),
		gates:         make(map[string]chan struct{}),
	}
}

// AddAccount registers an account for userID.
func (f *FakeMailProvider) AddAccount(userID string, account models.EmailAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account.UserID = userID
	f.accounts[userID] = append(f.accounts[userID], account)
}

// SetFolders replaces the folders of an account.
func (f *FakeMailProvider) SetFolders(accountID string, folders []models.EmailFolder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[accountID] = folders
}

// AddMessages appends messages to a folder, in provider order.
func (f *FakeMailProvider) AddMessages(accountID, folderID string, messages ...models.EmailMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountID + "/" + folderID
	for _, m := range messages {
		m.AccountID = accountID
		m.FolderID = folderID
		f.messages[key] = append(f.messages[key], m)
	}
}

// SetSearchResults fixes the results returned for query.
func (f *FakeMailProvider) SetSearchResults(query string, results []models.EmailMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchResults[query] = results
}

// SetConnectResult sets the account CompleteConnect adds next.
func (f *FakeMailProvider) SetConnectResult(account models.EmailAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectNext = &account
}

// Fail makes every call to op return err. A nil err clears it.
func (f *FakeMailProvider) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Block makes calls matching key wait until the returned func is called.
// key is an operation name, optionally followed by ":" and the folder ID,
// message ID or query the call is for.
func (f *FakeMailProvider) Block(key string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[key] == gate {
				delete(f.gates, key)
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the recorded calls as "Op:arg".
func (f *FakeMailProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns how many recorded calls start with prefix.
func (f *FakeMailProvider) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Sent returns the messages passed to SendMessage.
func (f *FakeMailProvider) Sent() []*models.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

// enter records the call, waits on any gate and returns the configured error.
func (f *FakeMailProvider) enter(ctx context.Context, op, arg string) error {
	key := op + ":" + arg
	f.mu.Lock()
	f.calls = append(f.calls, key)
	gate := f.gates[key]
	if gate == nil {
		gate = f.gates[op]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[op]
}

func (f *FakeMailProvider) ListAccounts(ctx context.Context, userID string) ([]models.EmailAccount, error) {
	if err := f.enter(ctx, "ListAccounts", userID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.accounts[userID]), nil
}

func (f *FakeMailProvider) BeginConnect(ctx context.Context, userID string, provider models.Provider) (*gateway.ConnectStart, error) {
	if err := f.enter(ctx, "BeginConnect", string(provider)); err != nil {
		return nil, err
	}
	return &gateway.ConnectStart{
		Provider: provider,
		AuthURL:  "https://auth.test/" + string(provider),
		State:    "state-" + userID,
	}, nil
}

func (f *FakeMailProvider) CompleteConnect(ctx context.Context, userID, state, code string) (*models.EmailAccount, error) {
	if err := f.enter(ctx, "CompleteConnect", state); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectNext == nil {
		return nil, fmt.Errorf("no pending connection for state %s", state)
	}
	account := *f.connectNext
	f.connectNext = nil
	account.UserID = userID
	if len(f.accounts[userID]) == 0 {
		account.IsDefault = true
	}
	f.accounts[userID] = append(f.accounts[userID], account)
	return &account, nil
}

func (f *FakeMailProvider) DisconnectAccount(ctx context.Context, userID, accountID string) error {
	if err := f.enter(ctx, "DisconnectAccount", accountID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.accounts[userID]
	idx := slices.IndexFunc(list, func(a models.EmailAccount) bool { return a.ID == accountID })
	if idx < 0 {
		return gateway.ErrNotFound
	}
	f.accounts[userID] = slices.Delete(slices.Clone(list), idx, idx+1)
	return nil
}

func (f *FakeMailProvider) SetDefaultAccount(ctx context.Context, userID, accountID string) error {
	if err := f.enter(ctx, "SetDefaultAccount", accountID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list := slices.Clone(f.accounts[userID])
	found := false
	for i := range list {
		list[i].IsDefault = list[i].ID == accountID
		found = found || list[i].IsDefault
	}
	if !found {
		return gateway.ErrNotFound
	}
	f.accounts[userID] = list
	return nil
}

func (f *FakeMailProvider) ListFolders(ctx context.Context, accountID string) ([]models.EmailFolder, error) {
	if err := f.enter(ctx, "ListFolders", accountID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.folders[accountID]), nil
}

func (f *FakeMailProvider) ListMessages(ctx context.Context, query gateway.MessageQuery) (*gateway.MessagePage, error) {
	if err := f.enter(ctx, "ListMessages", query.FolderID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []models.EmailMessage
	for _, m := range f.messages[query.AccountID+"/"+query.FolderID] {
		switch query.Filter {
		case models.FilterUnread:
			if m.IsRead {
				continue
			}
		case models.FilterHasAttachments:
			if !m.HasAttachments {
				continue
			}
		}
		m.UnsafeBodyHTML = ""
		m.BodyText = ""
		matched = append(matched, m)
	}

	start := 0
	if query.Cursor != "" {
		n, err := strconv.Atoi(query.Cursor)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q", query.Cursor)
		}
		start = n
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	start = min(start, len(matched))
	end := min(start+limit, len(matched))

	page := &gateway.MessagePage{Messages: matched[start:end], HasMore: end < len(matched)}
	if page.HasMore {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeMailProvider) find(accountID, messageID string) (string, int) {
	for key, list := range f.messages {
		if !strings.HasPrefix(key, accountID+"/") {
			continue
		}
		for i, m := range list {
			if m.ID == messageID {
				return key, i
			}
		}
	}
	return "", -1
}

func (f *FakeMailProvider) GetMessage(ctx context.Context, accountID, messageID string) (*models.EmailMessage, error) {
	if err := f.enter(ctx, "GetMessage", messageID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key, i := f.find(accountID, messageID)
	if i < 0 {
		return nil, gateway.NewProviderError("GetMessage", gateway.KindNotFound, fmt.Errorf("message %s", messageID))
	}
	msg := f.messages[key][i]
	return &msg, nil
}

func (f *FakeMailProvider) SetRead(ctx context.Context, accountID, messageID string, read bool) error {
	if err := f.enter(ctx, "SetRead", messageID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key, i := f.find(accountID, messageID)
	if i < 0 {
		return gateway.NewProviderError("SetRead", gateway.KindNotFound, fmt.Errorf("message %s", messageID))
	}
	f.messages[key][i].IsRead = read
	return nil
}

func (f *FakeMailProvider) MoveMessage(ctx context.Context, accountID, messageID, folderID string) (string, error) {
	if err := f.enter(ctx, "MoveMessage", messageID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key, i := f.find(accountID, messageID)
	if i < 0 {
		return "", gateway.NewProviderError("MoveMessage", gateway.KindNotFound, fmt.Errorf("message %s", messageID))
	}
	msg := f.messages[key][i]
	f.messages[key] = slices.Delete(f.messages[key], i, i+1)
	msg.FolderID = folderID
	dest := accountID + "/" + folderID
	f.messages[dest] = append([]models.EmailMessage{msg}, f.messages[dest]...)
	return msg.ID, nil
}

func (f *FakeMailProvider) DeleteMessage(ctx context.Context, accountID, messageID string) error {
	if err := f.enter(ctx, "DeleteMessage", messageID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key, i := f.find(accountID, messageID)
	if i < 0 {
		return gateway.NewProviderError("DeleteMessage", gateway.KindNotFound, fmt.Errorf("message %s", messageID))
	}
	f.messages[key] = slices.Delete(f.messages[key], i, i+1)
	return nil
}

func (f *FakeMailProvider) SendMessage(ctx context.Context, msg *models.OutgoingMessage) error {
	if err := f.enter(ctx, "SendMessage", msg.AccountID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *FakeMailProvider) SearchMessages(ctx context.Context, accountID, query string) ([]models.EmailMessage, error) {
	if err := f.enter(ctx, "SearchMessages", query); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if results, ok := f.searchResults[query]; ok {
		return slices.Clone(results), nil
	}
	var results []models.EmailMessage
	for key, list := range f.messages {
		if !strings.HasPrefix(key, accountID+"/") {
			continue
		}
		for _, m := range list {
			if strings.Contains(strings.ToLower(m.Subject), strings.ToLower(query)) {
				results = append(results, m)
			}
		}
	}
	return results, nil
}

// FakeStorage is an in-memory gateway.StorageGateway.
type FakeStorage struct {
	mu       sync.Mutex
	gate     chan struct{}
	failures map[string]error
	files    map[string][]byte
}

var _ gateway.StorageGateway = (*FakeStorage)(nil)

// NewFakeStorage returns an empty storage.
func NewFakeStorage() *FakeStorage {
	return &FakeStorage{failures: make(map[string]error), files: make(map[string][]byte)}
}

// Fail makes uploads of fileName return err.
func (s *FakeStorage) Fail(fileName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[fileName] = err
}

// Block holds every upload until the returned func is called or the upload is cancelled.
func (s *FakeStorage) Block() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Files returns the stored objects by key.
func (s *FakeStorage) Files() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out
}

func (s *FakeStorage) UploadFile(ctx context.Context, file gateway.File, pathHint string) (*gateway.StoredFile, error) {
	s.mu.Lock()
	gate := s.gate
	failure := s.failures[file.Name]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	data, err := io.ReadAll(file.Content)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}

	key := pathHint + "/" + file.Name
	s.mu.Lock()
	s.files[key] = data
	s.mu.Unlock()
	return &gateway.StoredFile{Key: key, URL: "https://files.test/" + key}, nil
}

// FakeSignatureRepository is an in-memory gateway.SignatureRepository.
type FakeSignatureRepository struct {
	mu         sync.Mutex
	signatures map[string]models.EmailSignature
	order      []string
}

var _ gateway.SignatureRepository = (*FakeSignatureRepository)(nil)

// NewFakeSignatureRepository returns an empty repository.
func NewFakeSignatureRepository() *FakeSignatureRepository {
	return &FakeSignatureRepository{signatures: make(map[string]models.EmailSignature)}
}

func (r *FakeSignatureRepository) ListSignatures(_ context.Context, userID string) ([]models.EmailSignature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EmailSignature
	for _, id := range r.order {
		if s := r.signatures[id]; s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *FakeSignatureRepository) GetSignature(_ context.Context, userID, signatureID string) (*models.EmailSignature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signatures[signatureID]
	if !ok || s.UserID != userID {
		return nil, gateway.ErrNotFound
	}
	return &s, nil
}

func (r *FakeSignatureRepository) SaveSignature(_ context.Context, signature *models.EmailSignature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if signature.ID == "" {
		signature.ID = uuid.NewString()
		signature.CreatedAt = now
	}
	if _, ok := r.signatures[signature.ID]; !ok {
		r.order = append(r.order, signature.ID)
	}
	signature.UpdatedAt = now
	if signature.IsDefault {
		r.clearDefaultLocked(signature.UserID)
	}
	r.signatures[signature.ID] = *signature
	return nil
}

func (r *FakeSignatureRepository) DeleteSignature(_ context.Context, userID, signatureID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signatures[signatureID]
	if !ok || s.UserID != userID {
		return gateway.ErrNotFound
	}
	delete(r.signatures, signatureID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == signatureID })
	return nil
}

func (r *FakeSignatureRepository) SetDefaultSignature(_ context.Context, userID, signatureID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signatures[signatureID]
	if !ok || s.UserID != userID {
		return gateway.ErrNotFound
	}
	r.clearDefaultLocked(userID)
	s.IsDefault = true
	r.signatures[signatureID] = s
	return nil
}

func (r *FakeSignatureRepository) clearDefaultLocked(userID string) {
	for id, s := range r.signatures {
		if s.UserID == userID && s.IsDefault {
			s.IsDefault = false
			r.signatures[id] = s
		}
	}
}

// FakeDraftAttachmentRepository is an in-memory gateway.DraftAttachmentRepository.
type FakeDraftAttachmentRepository struct {
	mu     sync.Mutex
	drafts map[string][]models.EmailAttachment
}

var _ gateway.DraftAttachmentRepository = (*FakeDraftAttachmentRepository)(nil)

// NewFakeDraftAttachmentRepository returns an empty repository.
func NewFakeDraftAttachmentRepository() *FakeDraftAttachmentRepository {
	return &FakeDraftAttachmentRepository{drafts: make(map[string][]models.EmailAttachment)}
}

func (r *FakeDraftAttachmentRepository) SaveDraftAttachment(_ context.Context, draftID string, attachment *models.EmailAttachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts[draftID] = append(r.drafts[draftID], *attachment)
	return nil
}

func (r *FakeDraftAttachmentRepository) ListDraftAttachments(_ context.Context, draftID string) ([]models.EmailAttachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.drafts[draftID]), nil
}

func (r *FakeDraftAttachmentRepository) DeleteDraftAttachment(_ context.Context, draftID, attachmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.drafts[draftID])
	r.drafts[draftID] = slices.DeleteFunc(r.drafts[draftID], func(a models.EmailAttachment) bool { return a.ID == attachmentID })
	if len(r.drafts[draftID]) == before {
		return gateway.ErrNotFound
	}
	return nil
}

func (r *FakeDraftAttachmentRepository) DeleteDraftAttachments(_ context.Context, draftID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drafts, draftID)
	return nil
}
