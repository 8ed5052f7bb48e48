package chat

import (
	"slices"

	"github.com/npezzotti/blyss-chat/internal/types"
)

const (
	fallbackGroupName  = "Group Chat"
	fallbackDirectName = "Unknown"
)

// Threads returns a copy of the thread list in server order, with threads
// created locally first.
func (s *Syncer) Threads() []types.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.threads)
}

// Thread looks up a listed thread by id.
func (s *Syncer) Thread(id string) (types.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOfThread(s.threads, id); i >= 0 {
		return s.threads[i], true
	}
	return types.Thread{}, false
}

func (s *Syncer) SelectedThread() (types.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return types.Thread{}, false
	}
	return *s.selected, true
}

func (s *Syncer) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *Syncer) UnreadCounts() types.UnreadCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.Clone()
}

func (s *Syncer) SearchResults() []types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.searchResults)
}

func (s *Syncer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetching > 0
}

func (s *Syncer) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

func (s *Syncer) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.Total()
}

// ThreadDisplayName returns a group's title, or for a direct thread the
// username of the participant who is not the signed in user.
func (s *Syncer) ThreadDisplayName(thread types.Thread) string {
	if thread.Type == types.ThreadTypeGroup {
		if thread.Title != nil && *thread.Title != "" {
			return *thread.Title
		}
		return fallbackGroupName
	}

	other := s.otherParticipant(thread)
	if other == nil || other.User == nil || other.User.Username == "" {
		return fallbackDirectName
	}
	return other.User.Username
}

// ThreadAvatar returns the other participant's avatar for a direct thread.
// Groups have none.
func (s *Syncer) ThreadAvatar(thread types.Thread) (string, bool) {
	if thread.Type == types.ThreadTypeGroup {
		return "", false
	}

	other := s.otherParticipant(thread)
	if other == nil || other.User == nil || other.User.AvatarURL == "" {
		return "", false
	}
	return other.User.AvatarURL, true
}

func (s *Syncer) otherParticipant(thread types.Thread) *types.Participant {
	self, _ := s.identity.CurrentUser()
	return thread.OtherParticipant(self.Id)
}
