package telegram

import (
	"github.com/gotd/td/tg"
	"gorm.io/gorm"
)

// Credentials identifies one account and how its session is restored.
// SessionString takes precedence; DB is used by the login tool, which keeps
// the freshly authorized session in a local database.
type Credentials struct {
	APIID         int
	APIHash       string
	Name          string
	SessionString string
	DB            *gorm.DB
}

// Marked ids follow the Bot API convention: users are positive, basic
// groups are negated and channels are offset below channelIDBase.
const channelIDBase int64 = -1000000000000

func markChannel(id int64) int64 { return channelIDBase - id }
func markChat(id int64) int64    { return -id }

// peerID returns the marked id of p, or 0 for unknown peer types.
func peerID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return markChat(v.ChatID)
	case *tg.PeerChannel:
		return markChannel(v.ChannelID)
	}
	return 0
}

// dialogMessageKey addresses a dialog's top message in a dialogs page.
type dialogMessageKey struct {
	peer int64
	id   int
}
