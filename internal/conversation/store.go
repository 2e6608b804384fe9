package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/pkg/models"
)

// Store holds the client's threads and messages. Threads stay sorted by
// UpdatedAt, newest first, after every mutation. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	threads  []*Thread
	messages map[string][]Message

	now   func() time.Time
	newID func() string
}

func NewStore() *Store {
	return &Store{
		messages: make(map[string][]Message),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// NewLocalThread creates a hidden thread that has not been confirmed by the
// gateway yet.
func (s *Store) NewLocalThread() Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := &Thread{LocalID: s.newID(), CreatedAt: now, UpdatedAt: now}
	s.threads = append(s.threads, t)
	s.sortLocked()
	return *t
}

// AddOrUpdateThread inserts the thread or replaces the one with the same
// local id.
func (s *Store) AddOrUpdateThread(t Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.LocalID == "" {
		t.LocalID = s.newID()
	}
	if existing := s.findLocked(t.LocalID); existing != nil {
		*existing = t
	} else {
		s.threads = append(s.threads, &t)
	}
	s.sortLocked()
}

// PromoteThread binds the gateway's id to a local thread and makes it
// visible. Once a thread has a server id, later promotions are no-ops. It
// reports whether the thread now carries serverID.
func (s *Store) PromoteThread(localID, serverID string) bool {
	if serverID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(localID)
	if t == nil {
		return false
	}
	if t.ServerID != "" {
		return t.ServerID == serverID
	}
	t.ServerID = serverID
	t.UpdatedAt = s.now()
	t.Visible = true
	s.sortLocked()
	return true
}

// SyncThreadDetails applies server-sourced fields. UpdatedAt only moves
// forward.
func (s *Store) SyncThreadDetails(localID string, d ThreadDetails) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(localID)
	if t == nil {
		return false
	}
	mergeDetails(t, d)
	s.sortLocked()
	return true
}

func mergeDetails(t *Thread, d ThreadDetails) {
	if t.ServerID == "" && d.ServerID != "" {
		t.ServerID = d.ServerID
	}
	if t.ServerID != "" {
		t.Visible = true
	}
	if d.Title != "" {
		t.Title = d.Title
	}
	if d.ResourceOwner != "" {
		t.ResourceOwner = d.ResourceOwner
	}
	if len(d.Metadata) > 0 {
		t.Metadata = d.Metadata
	}
	if !d.CreatedAt.IsZero() && (t.CreatedAt.IsZero() || d.CreatedAt.Before(t.CreatedAt)) {
		t.CreatedAt = d.CreatedAt
	}
	if d.UpdatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = d.UpdatedAt
	}
}

// RemoveThread drops a thread and its messages.
func (s *Store) RemoveThread(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(localID)
}

// RenameThread sets a thread's title locally.
func (s *Store) RenameThread(localID, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(localID)
	if t == nil {
		return false
	}
	t.Title = title
	s.sortLocked()
	return true
}

// ReconcileFetchedThreads merges a server listing into the store. Confirmed
// threads missing from the listing are removed; unconfirmed threads are left
// alone. Applying the same listing twice changes nothing.
func (s *Store) ReconcileFetchedThreads(fetched []models.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]models.Thread, len(fetched))
	for _, f := range fetched {
		seen[f.ID] = f
	}

	for _, t := range append([]*Thread(nil), s.threads...) {
		if t.ServerID != "" {
			if _, ok := seen[t.ServerID]; !ok {
				s.removeLocked(t.LocalID)
			}
		}
	}

	for _, f := range fetched {
		if t := s.byServerIDLocked(f.ID); t != nil {
			mergeDetails(t, DetailsFromModel(f))
			continue
		}
		t := threadFromModel(f)
		s.threads = append(s.threads, &t)
	}
	s.sortLocked()
}

// SortedVisibleThreads returns the threads to list, newest first.
func (s *Store) SortedVisibleThreads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if t.Visible {
			out = append(out, *t)
		}
	}
	return out
}

func (s *Store) Thread(localID string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findLocked(localID); t != nil {
		return *t, true
	}
	return Thread{}, false
}

func (s *Store) ThreadByServerID(serverID string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.byServerIDLocked(serverID); t != nil {
		return *t, true
	}
	return Thread{}, false
}

// Clear forgets everything, as on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = nil
	s.messages = make(map[string][]Message)
}

// BeginExchange appends a completed user message and a pending assistant
// reply. When the thread ends in a failed exchange, that exchange is
// replaced rather than kept alongside the new one. A reply still in flight
// is marked cancelled first.
func (s *Store) BeginExchange(threadLocalID, content string) (Message, Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[threadLocalID]
	if n := len(msgs); n > 0 && msgs[n-1].Status.Active() {
		msgs[n-1].Status = StatusCancelled
	}
	if n := len(msgs); n >= 2 &&
		msgs[n-2].Role == models.RoleUser &&
		msgs[n-1].Role == models.RoleAssistant &&
		msgs[n-1].Status == StatusError {
		msgs = msgs[:n-2]
	}

	now := s.now()
	user := Message{
		LocalID:       s.newID(),
		ThreadLocalID: threadLocalID,
		Role:          models.RoleUser,
		Content:       content,
		Parts:         models.TextParts(content),
		Status:        StatusCompleted,
		CreatedAt:     now,
	}
	reply := Message{
		LocalID:       s.newID(),
		ThreadLocalID: threadLocalID,
		Role:          models.RoleAssistant,
		Parts:         models.TextParts(""),
		Status:        StatusPending,
		CreatedAt:     now,
	}
	s.messages[threadLocalID] = append(msgs, user, reply)
	return user, reply
}

// AppendChunk extends the in-flight reply. The reply mutators act only while
// replyLocalID is still the thread's last, open message, so a stream that was
// superseded by a newer send cannot touch the newer reply.
func (s *Store) AppendChunk(threadLocalID, replyLocalID, chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.activeLocked(threadLocalID, replyLocalID)
	if m == nil {
		return false
	}
	m.Content += chunk
	m.Parts = models.TextParts(m.Content)
	m.Status = StatusStreaming
	return true
}

func (s *Store) CompleteLast(threadLocalID, replyLocalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.activeLocked(threadLocalID, replyLocalID)
	if m == nil {
		return false
	}
	m.Status = StatusCompleted
	return true
}

// FailLast marks the in-flight reply as failed and classifies errMsg.
func (s *Store) FailLast(threadLocalID, replyLocalID, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.activeLocked(threadLocalID, replyLocalID)
	if m == nil {
		return false
	}
	m.Status = StatusError
	m.ErrorType = ClassifyError(errMsg)
	m.ErrorMessage = errMsg
	return true
}

func (s *Store) CancelLast(threadLocalID, replyLocalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.activeLocked(threadLocalID, replyLocalID)
	if m == nil {
		return false
	}
	m.Status = StatusCancelled
	return true
}

// RetryLast resets a failed or cancelled reply in place. It returns the reset
// reply and the user message it answers.
func (s *Store) RetryLast(threadLocalID string) (Message, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[threadLocalID]
	n := len(msgs)
	if n < 2 {
		return Message{}, "", false
	}
	reply, prompt := &msgs[n-1], msgs[n-2]
	if reply.Role != models.RoleAssistant || prompt.Role != models.RoleUser {
		return Message{}, "", false
	}
	if reply.Status != StatusError && reply.Status != StatusCancelled {
		return Message{}, "", false
	}
	reply.Content = ""
	reply.Parts = models.TextParts("")
	reply.Status = StatusStreaming
	reply.ErrorType = ""
	reply.ErrorMessage = ""
	return *reply, prompt.Content, true
}

// SetMessages replaces a thread's messages with a fetched page.
func (s *Store) SetMessages(threadLocalID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadLocalID] = append([]Message(nil), msgs...)
}

// PrependMessages adds an older page in front of what is loaded.
func (s *Store) PrependMessages(threadLocalID string, older []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadLocalID] = append(append([]Message(nil), older...), s.messages[threadLocalID]...)
}

func (s *Store) Messages(threadLocalID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[threadLocalID]...)
}

func (s *Store) ClearMessages(threadLocalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, threadLocalID)
}

// HasActiveStream reports whether the thread's last reply is still open.
func (s *Store) HasActiveStream(threadLocalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(threadLocalID, "") != nil
}

// activeLocked returns the thread's last message when it is an open reply.
// A non-empty replyLocalID must also match it.
func (s *Store) activeLocked(threadLocalID, replyLocalID string) *Message {
	msgs := s.messages[threadLocalID]
	if len(msgs) == 0 {
		return nil
	}
	last := &msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || !last.Status.Active() {
		return nil
	}
	if replyLocalID != "" && last.LocalID != replyLocalID {
		return nil
	}
	return last
}

func (s *Store) findLocked(localID string) *Thread {
	for _, t := range s.threads {
		if t.LocalID == localID {
			return t
		}
	}
	return nil
}

func (s *Store) byServerIDLocked(serverID string) *Thread {
	if serverID == "" {
		return nil
	}
	for _, t := range s.threads {
		if t.ServerID == serverID {
			return t
		}
	}
	return nil
}

func (s *Store) removeLocked(localID string) {
	for i, t := range s.threads {
		if t.LocalID == localID {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
			break
		}
	}
	delete(s.messages, localID)
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.threads, func(i, j int) bool {
		a, b := s.threads[i], s.threads[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.LocalID < b.LocalID
	})
}
