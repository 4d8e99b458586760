package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/onnwee/clip-scout/tracker"
	"github.com/onnwee/clip-scout/transcript"
)

// ErrUnauthorized is returned when Helix rejects the request even after a
// token refresh; the credentials themselves are bad.
var ErrUnauthorized = errors.New("twitch: unauthorized")

// HelixClient provides the minimal Helix surface needed for game-status
// tracking.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// getJSON performs an authorized GET and decodes the JSON body into out.
// On a 401 it refreshes the app token once and retries the same request; a
// second 401 surfaces as ErrUnauthorized. Any other non-2xx status is a
// plain error, left to the caller's next poll to retry.
func (hc *HelixClient) getJSON(ctx context.Context, rawURL string, q url.Values, out any) error {
	retried := false
	for {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
			if retried {
				return fmt.Errorf("%w: %s", ErrUnauthorized, rawURL)
			}
			retried = true
			hc.AppTokenSource.Invalidate()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			status := resp.Status
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
			return fmt.Errorf("helix request failed: %s: %s", rawURL, status)
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("err", cerr))
		}
		return err
	}
}

// StreamInfo describes a live broadcast as reported by /helix/streams.
type StreamInfo struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	GameName  string    `json:"game_name"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// GetStreams returns the live streams for a login (empty slice when offline).
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]StreamInfo, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("user_login", login)
	var body struct {
		Data []StreamInfo `json:"data"`
	}
	if err := hc.getJSON(ctx, "https://api.twitch.tv/helix/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetGame resolves a game id to its display name.
func (hc *HelixClient) GetGame(ctx context.Context, gameID string) (string, error) {
	if gameID == "" {
		return "", fmt.Errorf("gameID empty")
	}
	q := url.Values{}
	q.Set("id", gameID)
	var body struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := hc.getJSON(ctx, "https://api.twitch.tv/helix/games", q, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("game not found: %s", gameID)
	}
	return body.Data[0].Name, nil
}

// StatusOracle adapts HelixClient to the tracker's oracle contract for one
// channel login.
type StatusOracle struct {
	Client *HelixClient
	Login  string
}

// CurrentStatus reports the channel's current game label. Offline channels
// yield the transcript.Offline sentinel. Newer Helix responses embed the
// game name directly; older ones require a second lookup by game id.
func (o *StatusOracle) CurrentStatus(ctx context.Context) (tracker.Sample, error) {
	streams, err := o.Client.GetStreams(ctx, o.Login)
	if err != nil {
		return tracker.Sample{}, err
	}
	if len(streams) == 0 {
		return tracker.Sample{Game: transcript.Offline}, nil
	}
	st := streams[0]
	game := st.GameName
	if game == "" && st.GameID != "" {
		game, err = o.Client.GetGame(ctx, st.GameID)
		if err != nil {
			return tracker.Sample{}, err
		}
	}
	if game == "" {
		// Live with no category set; keep a stable non-offline label.
		game = "UNKNOWN"
	}
	return tracker.Sample{Game: game, BroadcastID: st.ID, StartedAt: st.StartedAt.UTC()}, nil
}
