package triggers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GmailMessage is the metadata slice of a message the filters need.
type GmailMessage struct {
	ID      string
	From    string
	Subject string
	Labels  []string
	Snippet string
}

// GmailAPI is the Gmail surface the ingress and watch renewer use.
// Implemented against the REST API; faked in tests.
type GmailAPI interface {
	// ListNewMessageIDs returns ids of messages added since
	// startHistoryID, plus the latest history id observed.
	ListNewMessageIDs(ctx context.Context, refreshToken string, startHistoryID uint64) ([]string, uint64, error)
	// GetMessage fetches one message's metadata.
	GetMessage(ctx context.Context, refreshToken, id string) (*GmailMessage, error)
	// Watch re-issues users.watch against the Pub/Sub topic and
	// returns the new expiry and baseline history id.
	Watch(ctx context.Context, refreshToken, topic string) (time.Time, uint64, error)
}

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// gmailClient talks to the Gmail REST API, exchanging the stored
// refresh token for an access token per call.
type gmailClient struct {
	oauth oauth2.Config
	base  string
}

// NewGmailClient builds the production Gmail client.
func NewGmailClient(clientID, clientSecret string) GmailAPI {
	return &gmailClient{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
		base: gmailBaseURL,
	}
}

func (g *gmailClient) httpClient(ctx context.Context, refreshToken string) *http.Client {
	src := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return oauth2.NewClient(ctx, src)
}

func (g *gmailClient) ListNewMessageIDs(ctx context.Context, refreshToken string, startHistoryID uint64) ([]string, uint64, error) {
	client := g.httpClient(ctx, refreshToken)

	var ids []string
	latest := startHistoryID
	pageToken := ""
	for {
		q := url.Values{
			"startHistoryId": {strconv.FormatUint(startHistoryID, 10)},
			"historyTypes":   {"messageAdded"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var resp struct {
			History []struct {
				ID            json.Number `json:"id"`
				MessagesAdded []struct {
					Message struct {
						ID string `json:"id"`
					} `json:"message"`
				} `json:"messagesAdded"`
			} `json:"history"`
			HistoryID     json.Number `json:"historyId"`
			NextPageToken string      `json:"nextPageToken"`
		}
		if err := getJSON(ctx, client, g.base+"/history?"+q.Encode(), &resp); err != nil {
			return nil, 0, err
		}
		for _, h := range resp.History {
			if id := numberToUint(h.ID); id > latest {
				latest = id
			}
			for _, added := range h.MessagesAdded {
				ids = append(ids, added.Message.ID)
			}
		}
		if id := numberToUint(resp.HistoryID); id > latest {
			latest = id
		}
		if resp.NextPageToken == "" {
			return ids, latest, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (g *gmailClient) GetMessage(ctx context.Context, refreshToken, id string) (*GmailMessage, error) {
	client := g.httpClient(ctx, refreshToken)

	u := fmt.Sprintf("%s/messages/%s?format=metadata&metadataHeaders=From&metadataHeaders=Subject", g.base, url.PathEscape(id))
	var resp struct {
		ID       string   `json:"id"`
		LabelIDs []string `json:"labelIds"`
		Snippet  string   `json:"snippet"`
		Payload  struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	if err := getJSON(ctx, client, u, &resp); err != nil {
		return nil, err
	}

	msg := &GmailMessage{ID: resp.ID, Labels: resp.LabelIDs, Snippet: resp.Snippet}
	for _, h := range resp.Payload.Headers {
		switch h.Name {
		case "From":
			msg.From = h.Value
		case "Subject":
			msg.Subject = h.Value
		}
	}
	return msg, nil
}

func (g *gmailClient) Watch(ctx context.Context, refreshToken, topic string) (time.Time, uint64, error) {
	client := g.httpClient(ctx, refreshToken)

	body, err := json.Marshal(map[string]any{"topicName": topic})
	if err != nil {
		return time.Time{}, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/watch", bytes.NewReader(body))
	if err != nil {
		return time.Time{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		HistoryID  json.Number `json:"historyId"`
		Expiration json.Number `json:"expiration"` // unix millis
	}
	if err := doJSON(client, req, &resp); err != nil {
		return time.Time{}, 0, err
	}
	expiryMs := numberToUint(resp.Expiration)
	expiry := time.UnixMilli(int64(expiryMs)).UTC()
	return expiry, numberToUint(resp.HistoryID), nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gmail api: %s: %s", resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func numberToUint(n json.Number) uint64 {
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
