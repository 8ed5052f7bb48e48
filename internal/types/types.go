package types

import (
	"time"
)

type ThreadType string

const (
	ThreadTypeDirect ThreadType = "direct"
	ThreadTypeGroup  ThreadType = "group"
)

type User struct {
	Id        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Participant struct {
	UserId     string     `json:"userId"`
	Role       string     `json:"role,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
	User       *User      `json:"user,omitempty"`
}

type Thread struct {
	Id           string        `json:"id"`
	Type         ThreadType    `json:"type"`
	Title        *string       `json:"title,omitempty"`
	CreatedBy    string        `json:"createdBy,omitempty"`
	CreatedAt    time.Time     `json:"createdAt,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
}

// OtherParticipant returns the first participant that is not selfId, or nil.
func (t *Thread) OtherParticipant(selfId string) *Participant {
	for i := range t.Participants {
		if t.Participants[i].UserId != selfId {
			return &t.Participants[i]
		}
	}
	return nil
}

type Message struct {
	Id            string    `json:"id"`
	ThreadId      string    `json:"threadId"`
	SenderId      string    `json:"senderId"`
	Content       string    `json:"content"`
	MessageType   string    `json:"messageType,omitempty"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Sender        User      `json:"sender"`
}

// UnreadCounts maps a thread id to the number of messages the current user has not read.
type UnreadCounts map[string]int

func (u UnreadCounts) Total() int {
	total := 0
	for _, n := range u {
		total += n
	}
	return total
}

func (u UnreadCounts) Clone() UnreadCounts {
	c := make(UnreadCounts, len(u))
	for k, v := range u {
		c[k] = v
	}
	return c
}
