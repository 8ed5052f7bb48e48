package chat

import (
	"context"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/npezzotti/blyss-chat/internal/api"
	"github.com/npezzotti/blyss-chat/internal/auth"
	"github.com/npezzotti/blyss-chat/internal/push"
	"github.com/npezzotti/blyss-chat/internal/stats"
	"github.com/npezzotti/blyss-chat/internal/types"
)

const minSearchLength = 2

// ChatAPI is the subset of the REST client the syncer depends on.
type ChatAPI interface {
	ListThreads(ctx context.Context) ([]types.Thread, error)
	CreateThread(ctx context.Context, req api.CreateThreadRequest) (types.Thread, error)
	ListMessages(ctx context.Context, threadId string) ([]types.Message, error)
	CreateMessage(ctx context.Context, threadId, content string) (types.Message, error)
	MarkRead(ctx context.Context, threadId string) error
	UnreadCounts(ctx context.Context) (types.UnreadCounts, error)
	SearchUsers(ctx context.Context, query string) ([]types.User, error)
}

type PushChannel interface {
	Connect(ctx context.Context) error
	Send(frame any) error
	IsOpen() bool
	Close() error
}

// PushDialer builds the push channel that delivers events to handler.
type PushDialer func(handler push.Handler) PushChannel

// Identity is an auth.Provider whose sign in state can be followed.
type Identity interface {
	auth.Provider
	Subscribe() (<-chan bool, func())
}

// Archiver receives threads and messages as they are observed.
type Archiver interface {
	SaveThreads(ctx context.Context, threads []types.Thread) error
	SaveMessages(ctx context.Context, messages []types.Message) error
}

// Syncer keeps a local view of the signed in user's threads, the selected
// thread's messages and unread counts in step with the server.
type Syncer struct {
	log      *log.Logger
	api      ChatAPI
	push     PushChannel
	identity Identity
	stats    stats.StatsProvider
	archive  Archiver

	mu            sync.Mutex
	threads       []types.Thread
	selected      *types.Thread
	messages      []types.Message
	unread        types.UnreadCounts
	searchResults []types.User
	fetching      int
	sending       bool
	// generation is bumped on every selection change and message fetch;
	// a fetch only applies if its generation is still current
	generation uint64
	// epoch is bumped by Stop; results of calls begun before it are dropped
	epoch   uint64
	running bool
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup

	// selection mirrors selected.Id for the push handler
	selection atomic.Pointer[string]
	updates   chan struct{}
}

func NewSyncer(logger *log.Logger, client ChatAPI, identity Identity, su stats.StatsProvider, dial PushDialer) *Syncer {
	s := &Syncer{
		log:      logger,
		api:      client,
		identity: identity,
		stats:    su,
		unread:   types.UnreadCounts{},
		updates:  make(chan struct{}, 1),
		runCtx:   context.Background(),
	}
	s.push = dial(s.HandleEvent)
	return s
}

// UseArchive enables best-effort archiving of everything the syncer fetches
// or receives.
func (s *Syncer) UseArchive(a Archiver) {
	s.archive = a
}

// Updates signals that the local view changed. Signals are coalesced.
func (s *Syncer) Updates() <-chan struct{} {
	return s.updates
}

func (s *Syncer) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Run follows the identity's sign in state until ctx is done: the syncer is
// started while a user is signed in and stopped otherwise.
func (s *Syncer) Run(ctx context.Context) error {
	authenticated, unsubscribe := s.identity.Subscribe()
	defer unsubscribe()
	defer s.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ok := <-authenticated:
			// a user switch can arrive as a single true, so always restart
			s.Stop()
			if ok {
				s.Start(ctx)
			}
		}
	}
}

// Start loads threads and unread counts and opens the push channel.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.FetchThreads(runCtx)
	s.FetchUnreadCounts(runCtx)

	if err := s.push.Connect(runCtx); err != nil {
		s.log.Printf("push connect: %v", err)
	}
}

// Stop closes the push channel and clears the local view.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	// must not hold mu: Close waits for the handler to return
	if err := s.push.Close(); err != nil {
		s.log.Printf("push close: %v", err)
	}
	s.wg.Wait()

	s.mu.Lock()
	s.threads = nil
	s.selected = nil
	s.messages = nil
	s.unread = types.UnreadCounts{}
	s.searchResults = nil
	s.fetching = 0
	s.sending = false
	s.generation++
	s.epoch++
	s.selection.Store(nil)
	s.runCtx = context.Background()
	s.mu.Unlock()
	s.notify()
}

// HandleEvent applies a push event to the local view.
func (s *Syncer) HandleEvent(ev push.Event) {
	switch ev := ev.(type) {
	case *push.MessageEvent:
		s.handleMessage(ev.Message)
	case *push.UnreadCountsEvent:
		s.handleUnreadCounts(ev.Counts)
	default:
		s.log.Printf("unhandled push event %q", ev.Type())
	}
}

func (s *Syncer) handleMessage(msg types.Message) {
	s.stats.Incr(stats.MessagesReceived)

	s.mu.Lock()
	if id := s.selection.Load(); id != nil && *id == msg.ThreadId {
		s.messages = append(s.messages, msg)
	}
	refetch := s.running
	ctx := s.runCtx
	if refetch {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	s.notify()

	s.archiveMessages(ctx, []types.Message{msg})

	// the thread list carries last message previews and ordering
	if refetch {
		go func() {
			defer s.wg.Done()
			s.FetchThreads(ctx)
		}()
	}
}

func (s *Syncer) handleUnreadCounts(counts types.UnreadCounts) {
	s.mu.Lock()
	s.unread = counts.Clone()
	s.mu.Unlock()
	s.notify()
}

// SendMessage sends content to the selected thread. It reports false without
// touching the network when content is blank, nothing is selected or another
// send is in flight. Over an open push channel the message is shown when the
// server echoes it back; otherwise it is created over REST and appended here.
func (s *Syncer) SendMessage(ctx context.Context, content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}

	s.mu.Lock()
	if s.selected == nil || s.sending {
		s.mu.Unlock()
		return false
	}
	threadId := s.selected.Id
	epoch := s.epoch
	s.sending = true
	s.mu.Unlock()
	s.notify()

	defer func() {
		s.mu.Lock()
		if s.epoch == epoch {
			s.sending = false
		}
		s.mu.Unlock()
		s.notify()
	}()

	if s.push.IsOpen() {
		err := s.push.Send(push.NewSendMessageFrame(threadId, content))
		if err == nil {
			s.stats.Incr(stats.MessagesSent)
			return true
		}
		s.log.Printf("push send: %v, falling back to REST", err)
	}

	msg, err := s.api.CreateMessage(ctx, threadId, content)
	if err != nil {
		s.log.Printf("send message: %v", err)
		return false
	}
	s.stats.Incr(stats.MessagesSent)

	s.mu.Lock()
	if s.epoch == epoch && s.selected != nil && s.selected.Id == msg.ThreadId {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()
	s.notify()

	s.archiveMessages(ctx, []types.Message{msg})
	return true
}

// FetchThreads replaces the thread list. On failure the previous list is kept.
// Loading reports true until every concurrent fetch has returned.
func (s *Syncer) FetchThreads(ctx context.Context) {
	s.mu.Lock()
	s.fetching++
	epoch := s.epoch
	s.mu.Unlock()
	s.notify()

	threads, err := s.api.ListThreads(ctx)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Println("discarding threads fetched before sign out")
		return
	}
	s.fetching--
	if err == nil {
		s.threads = threads
		if s.selected != nil {
			if i := indexOfThread(threads, s.selected.Id); i >= 0 {
				t := threads[i]
				s.selected = &t
			}
		}
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.log.Printf("fetch threads: %v", err)
		return
	}

	if s.archive != nil {
		if err := s.archive.SaveThreads(ctx, threads); err != nil {
			s.log.Printf("archive threads: %v", err)
		}
	}
}

// FetchMessages loads threadId's messages and marks the thread read. The
// message list is only replaced while threadId is selected and no newer fetch
// or selection change has happened; the unread count is cleared either way.
func (s *Syncer) FetchMessages(ctx context.Context, threadId string) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	epoch := s.epoch
	s.mu.Unlock()

	messages, err := s.api.ListMessages(ctx, threadId)
	if err != nil {
		s.log.Printf("fetch messages for thread %q: %v", threadId, err)
		return
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Printf("discarding messages for thread %q fetched before sign out", threadId)
		return
	}
	if gen == s.generation && s.selected != nil && s.selected.Id == threadId {
		s.messages = messages
	} else {
		s.log.Printf("not showing stale messages for thread %q", threadId)
	}
	delete(s.unread, threadId)
	s.mu.Unlock()
	s.notify()

	s.archiveMessages(ctx, messages)

	// read state is allowed to lag; the local count is already cleared
	if err := s.api.MarkRead(ctx, threadId); err != nil {
		s.log.Printf("mark thread %q read: %v", threadId, err)
	}
}

// FetchUnreadCounts replaces the unread mapping.
func (s *Syncer) FetchUnreadCounts(ctx context.Context) {
	epoch := s.currentEpoch()
	counts, err := s.api.UnreadCounts(ctx)
	if err != nil {
		s.log.Printf("fetch unread counts: %v", err)
		return
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.unread = counts
	}
	s.mu.Unlock()
	s.notify()
}

// SearchUsers replaces the search results. Queries shorter than two
// characters clear them without a request.
func (s *Syncer) SearchUsers(ctx context.Context, query string) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < minSearchLength {
		s.mu.Lock()
		s.searchResults = nil
		s.mu.Unlock()
		s.notify()
		return
	}

	epoch := s.currentEpoch()
	users, err := s.api.SearchUsers(ctx, query)
	if err != nil {
		s.log.Printf("search users: %v", err)
		return
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.searchResults = users
	}
	s.mu.Unlock()
	s.notify()
}

// SelectThread makes thread the selection and loads its messages.
func (s *Syncer) SelectThread(ctx context.Context, thread types.Thread) {
	s.mu.Lock()
	s.selectLocked(thread)
	s.mu.Unlock()
	s.notify()

	s.FetchMessages(ctx, thread.Id)
}

func (s *Syncer) selectLocked(thread types.Thread) {
	s.selected = &thread
	s.messages = nil
	s.generation++
	id := thread.Id
	s.selection.Store(&id)
}

func (s *Syncer) ClearSelection() {
	s.mu.Lock()
	s.selected = nil
	s.messages = nil
	s.generation++
	s.selection.Store(nil)
	s.mu.Unlock()
	s.notify()
}

// StartDirectChat opens the direct thread with user, creating it on the server
// if needed, and selects it. It returns nil on failure.
func (s *Syncer) StartDirectChat(ctx context.Context, user types.User) *types.Thread {
	epoch := s.currentEpoch()
	thread, err := s.api.CreateThread(ctx, api.CreateThreadRequest{
		Type:           types.ThreadTypeDirect,
		ParticipantIds: []string{user.Id},
	})
	if err != nil {
		s.log.Printf("start direct chat with %q: %v", user.Id, err)
		return nil
	}

	if !s.openThread(ctx, thread, epoch) {
		return nil
	}
	return &thread
}

// CreateGroupChat creates a group thread and selects it. A blank title or an
// empty participant list is rejected without a request. It returns nil on
// failure.
func (s *Syncer) CreateGroupChat(ctx context.Context, title string, userIds []string) *types.Thread {
	title = strings.TrimSpace(title)
	if title == "" || len(userIds) == 0 {
		return nil
	}

	epoch := s.currentEpoch()
	thread, err := s.api.CreateThread(ctx, api.CreateThreadRequest{
		Type:           types.ThreadTypeGroup,
		Title:          title,
		ParticipantIds: slices.Clone(userIds),
	})
	if err != nil {
		s.log.Printf("create group chat %q: %v", title, err)
		return nil
	}

	if !s.openThread(ctx, thread, epoch) {
		return nil
	}
	return &thread
}

// openThread lists a newly created thread unless it is already listed, then
// selects it. It reports false when the syncer was stopped since epoch.
func (s *Syncer) openThread(ctx context.Context, thread types.Thread, epoch uint64) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Printf("dropping thread %q created before sign out", thread.Id)
		return false
	}
	if indexOfThread(s.threads, thread.Id) < 0 {
		s.threads = append([]types.Thread{thread}, s.threads...)
	}
	s.selectLocked(thread)
	s.mu.Unlock()
	s.notify()

	s.FetchMessages(ctx, thread.Id)
	return true
}

func (s *Syncer) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Syncer) archiveMessages(ctx context.Context, messages []types.Message) {
	if s.archive == nil || len(messages) == 0 {
		return
	}
	if err := s.archive.SaveMessages(ctx, messages); err != nil {
		s.log.Printf("archive messages: %v", err)
	}
}

func indexOfThread(threads []types.Thread, id string) int {
	return slices.IndexFunc(threads, func(t types.Thread) bool { return t.Id == id })
}
