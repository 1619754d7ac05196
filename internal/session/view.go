package session

import (
	"strings"
	"time"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/projector"
)

// View is everything a screen renders. It is rebuilt from the latest
// snapshots on every call; nothing in it is cached between calls.
type View struct {
	Screen   Screen          `json:"screen"`
	Identity *model.Identity `json:"identity,omitempty"`

	// Lobby.
	Rooms         []RoomView `json:"rooms,omitempty"`
	Days          []DayGroup `json:"days,omitempty"`
	TopicInput    string     `json:"topicInput"`
	CanCreateRoom bool       `json:"canCreateRoom"`

	// Room.
	CurrentRoom *RoomView       `json:"currentRoom,omitempty"`
	Transcript  []MessageView   `json:"transcript,omitempty"`
	Draft       Draft           `json:"draft"`
	ReplyTarget *model.ReplyRef `json:"replyTarget,omitempty"`
	CanSend     bool            `json:"canSend"`

	Banner *Banner `json:"banner,omitempty"`
	Denied string  `json:"denied,omitempty"`
}

type RoomView struct {
	model.Room
	Deletable bool            `json:"deletable"`
	Preview   []model.Message `json:"preview"`
}

// DayGroup lists the ids of the rooms created on one local calendar day,
// newest first.
type DayGroup struct {
	Day     string   `json:"day"`
	RoomIDs []string `json:"roomIds"`
}

type MessageView struct {
	model.Message
	Deletable      bool                      `json:"deletable"`
	ReactionGroups []projector.ReactionGroup `json:"reactionGroups"`
	ReplyCount     int                       `json:"replyCount"`
}

// View projects the current snapshots for the signed-in identity.
func (s *Session) View() View {
	s.mu.Lock()
	screen := s.screen
	identity := s.identity
	roomRecords := s.roomRecords
	messageRecords := s.messageRecords
	currentRoomID := s.currentRoomID
	var pending *model.Room
	if s.pendingRoom != nil {
		p := *s.pendingRoom
		pending = &p
	}
	topic := s.topicInput
	draft := s.draft
	var banner *Banner
	if s.banner != nil {
		b := *s.banner
		banner = &b
	}
	denied := s.denied
	s.mu.Unlock()

	v := View{Screen: screen, Identity: identity, Banner: banner}

	switch screen {
	case ScreenLoggedOut:
		return v
	case ScreenPermissionDenied:
		v.Denied = apperror.Message(denied)
		return v
	}

	now := s.now()
	rooms := projector.ProjectRooms(roomRecords, s.injector, now)
	previews := projector.PreviewsByRoom(messageRecords, rooms, projector.DefaultPreviewSize)

	if screen == ScreenLoggedIn {
		v.TopicInput = topic
		v.CanCreateRoom = strings.TrimSpace(topic) != ""
		v.Rooms = make([]RoomView, len(rooms))
		for i := range rooms {
			v.Rooms[i] = s.roomView(rooms[i], identity, previews[rooms[i].ID])
		}
		v.Days = s.dayGroups(rooms, now)
		return v
	}

	// InRoom.
	var current *model.Room
	for i := range rooms {
		if rooms[i].ID == currentRoomID {
			current = &rooms[i]
			break
		}
	}
	if current == nil && pending != nil {
		current = pending
	}
	if current == nil {
		// Entered by id before the room shows up, or deleted while open.
		current = &model.Room{ID: currentRoomID}
	}
	rv := s.roomView(*current, identity, previews[current.ID])
	v.CurrentRoom = &rv

	transcript := projector.ProjectMessages(messageRecords, currentRoomID)
	replies := projector.RepliesByParent(transcript)
	viewerID := ""
	if identity != nil {
		viewerID = identity.ID
	}
	v.Transcript = make([]MessageView, len(transcript))
	for i := range transcript {
		msg := transcript[i]
		v.Transcript[i] = MessageView{
			Message:        msg,
			Deletable:      s.messages.CanDelete(&msg, identity),
			ReactionGroups: projector.ReactionSummary(msg, viewerID),
			ReplyCount:     len(replies[msg.ID]),
		}
		if msg.ID == draft.ReplyTo {
			v.ReplyTarget = msg.Snapshot()
		}
	}

	v.Draft = draft
	v.CanSend = draft.sendable()
	return v
}

func (s *Session) roomView(room model.Room, identity *model.Identity, preview []model.Message) RoomView {
	if preview == nil {
		preview = []model.Message{}
	}
	return RoomView{
		Room:      room,
		Deletable: s.rooms.CanDelete(&room, identity),
		Preview:   preview,
	}
}

func (s *Session) dayGroups(rooms []model.Room, now time.Time) []DayGroup {
	loc := time.Local
	if s.injector != nil {
		loc = s.injector.Location()
	}
	groups := projector.GroupRoomsByDay(rooms, now, loc)

	out := make([]DayGroup, 0, len(groups))
	for _, day := range projector.DayKeys(groups) {
		ids := make([]string, len(groups[day]))
		for i, r := range groups[day] {
			ids[i] = r.ID
		}
		out = append(out, DayGroup{Day: day, RoomIDs: ids})
	}
	return out
}
