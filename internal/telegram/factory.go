package telegram

import (
	"context"
	"fmt"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
)

// NewSessionClient creates a gotgproto client for creds.
// A session string is restored in memory; otherwise the session is loaded
// from creds.DB, where the QR login flow stores it.
func NewSessionClient(ctx context.Context, creds Credentials) (*gotgproto.Client, error) {
	var (
		client *gotgproto.Client
		err    error
	)

	switch {
	case creds.SessionString != "":
		client, err = gotgproto.NewClient(
			creds.APIID,
			creds.APIHash,
			gotgproto.ClientTypePhone(""), // empty = use session
			&gotgproto.ClientOpts{
				Session:          sessionMaker.StringSession(creds.SessionString).Name(creds.Name),
				DisableCopyright: true,
				InMemory:         true,
			},
		)
	case creds.DB != nil:
		client, err = gotgproto.NewClient(
			creds.APIID,
			creds.APIHash,
			gotgproto.ClientTypePhone(""),
			&gotgproto.ClientOpts{
				Session:          sessionMaker.SqlSession(creds.DB.Dialector),
				DisableCopyright: true,
			},
		)
	default:
		return nil, fmt.Errorf("session %q: no session string or session database", creds.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("session %q: create telegram client: %w", creds.Name, err)
	}

	return client, nil
}
