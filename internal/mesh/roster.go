package mesh

import (
	"hash/fnv"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/pion/webrtc/v4"
)

var avatarColors = []string{
	"#e57373", "#f06292", "#ba68c8", "#7986cb",
	"#4fc3f7", "#4db6ac", "#81c784", "#ffb74d",
}

// Avatar is the generated placeholder picture of a participant.
type Avatar struct {
	Initials string `json:"initials"`
	Color    string `json:"color"`
}

// RosterEntry is what the client knows about one remote participant.
type RosterEntry struct {
	UserID      string                     `json:"userId"`
	DisplayName string                     `json:"displayName"`
	Online      bool                       `json:"online"`
	LastSeen    time.Time                  `json:"lastSeen"`
	Typing      bool                       `json:"typing"`
	Avatar      Avatar                     `json:"avatar"`
	Connection  webrtc.PeerConnectionState `json:"connection"`
	ChatOpen    bool                       `json:"chatOpen"`
}

// roster is owned by the event loop.
type roster map[string]*RosterEntry

func (r roster) upsert(userID, displayName string, now time.Time) *RosterEntry {
	e, ok := r[userID]
	if !ok {
		e = &RosterEntry{UserID: userID}
		r[userID] = e
	}
	if displayName != "" && displayName != e.DisplayName {
		e.DisplayName = displayName
		e.Avatar = avatarFor(userID, displayName)
	} else if e.Avatar.Color == "" {
		e.Avatar = avatarFor(userID, e.DisplayName)
	}
	e.Online = true
	e.LastSeen = now
	return e
}

func (r roster) offline(userID string, now time.Time) {
	if e, ok := r[userID]; ok {
		e.Online = false
		e.Typing = false
		e.LastSeen = now
	}
}

// snapshot returns copies ordered by user id.
func (r roster) snapshot() []RosterEntry {
	out := make([]RosterEntry, 0, len(r))
	for _, e := range r {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// avatarFor derives initials from the display name and a stable color from the user id.
func avatarFor(userID, displayName string) Avatar {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return Avatar{
		Initials: initials(displayName),
		Color:    avatarColors[h.Sum32()%uint32(len(avatarColors))],
	}
}

func initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				out = append(out, unicode.ToUpper(r))
				break
			}
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}
