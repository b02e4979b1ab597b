// Package resy implements the platform API client against Resy's private
// endpoints. All knowledge of the wire format lives here; callers see only
// snipe.Slot values and the snipe error taxonomy.
package resy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/resy-sniper/internal/snipe"
)

const defaultBaseURL = "https://api.resy.com"

// Credentials are captured from an authenticated browser session.
type Credentials struct {
	APIKey    string
	AuthToken string
}

// Client is an authenticated Resy API client. One client per snipe run; the
// underlying http.Client is not shared across jobs.
type Client struct {
	hc      *http.Client
	creds   Credentials
	baseURL string
}

type Option func(*Client)

// WithBaseURL overrides the API host, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout. The default is short because
// a slow response at drop time is as good as a lost race.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

func New(creds Credentials, opts ...Option) *Client {
	c := &Client{
		hc:      &http.Client{Timeout: 3 * time.Second},
		creds:   creds,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping verifies the credentials against the user endpoint.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/2/user", "", nil, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		var r struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &r)
		return classifyStatus(status, r.Message)
	}
	return nil
}

// --- wire types ---

type findResponse struct {
	Results struct {
		Venues []struct {
			Slots []wireSlot `json:"slots"`
		} `json:"venues"`
	} `json:"results"`
}

type wireSlot struct {
	Date struct {
		Start string `json:"start"` // "2006-01-02 15:04:05"
	} `json:"date"`
	Config struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	} `json:"config"`
}

type detailsRequest struct {
	ConfigID  string `json:"config_id"`
	Day       string `json:"day"`
	PartySize int64  `json:"party_size"`
}

type detailsResponse struct {
	BookToken struct {
		Value string `json:"value"`
	} `json:"book_token"`
	User struct {
		PaymentMethods []struct {
			ID int64 `json:"id"`
		} `json:"payment_methods"`
	} `json:"user"`
}

type bookResponse struct {
	ResyToken string `json:"resy_token"`
}

// FetchAvailability lists bookable slots for one venue/date/party size.
// An empty list is a normal answer, not an error: before the drop the venue
// simply has nothing released yet.
func (c *Client) FetchAvailability(ctx context.Context, venueID, day string, partySize int) ([]snipe.Slot, error) {
	params := map[string]string{
		"party_size": strconv.Itoa(partySize),
		"venue_id":   venueID,
		"day":        day,
		// deprecated but still required by the endpoint
		"lat":  "0",
		"long": "0",
	}
	status, body, err := c.do(ctx, http.MethodGet, "/4/find", "", params, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(status, "")
	}

	var res findResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: find payload: %v", snipe.ErrUnexpectedResponse, err)
	}
	if len(res.Results.Venues) == 0 {
		return nil, nil
	}

	var out []snipe.Slot
	for _, ws := range res.Results.Venues[0].Slots {
		s, err := parseSlot(ws)
		if err != nil {
			// one malformed slot should not sink the whole poll
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSlot(ws wireSlot) (snipe.Slot, error) {
	pieces := strings.SplitN(ws.Date.Start, " ", 2)
	if len(pieces) != 2 || ws.Config.Token == "" {
		return snipe.Slot{}, fmt.Errorf("malformed slot %q", ws.Date.Start)
	}
	t, err := snipe.ParseTimeOfDay(pieces[1])
	if err != nil {
		return snipe.Slot{}, err
	}
	return snipe.Slot{
		Day:         pieces[0],
		Time:        t,
		SeatingType: ws.Config.Type,
		ConfigToken: ws.Config.Token,
	}, nil
}

// BookSlot claims one specific slot. Two phases, per the platform's flow: the
// details call exchanges the availability token for a short-lived book token,
// then the book call commits it. The config token must come from an
// availability fetch made moments before; stale tokens are rejected.
func (c *Client) BookSlot(ctx context.Context, claim snipe.Claim) (string, error) {
	dr := detailsRequest{ConfigID: claim.ConfigToken, Day: claim.Day, PartySize: int64(claim.PartySize)}
	jb, err := json.Marshal(dr)
	if err != nil {
		return "", fmt.Errorf("%w: marshal details: %v", snipe.ErrUnexpectedResponse, err)
	}
	status, body, err := c.do(ctx, http.MethodPost, "/3/details", "application/json", nil, jb)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", classifyBooking(status, body)
	}

	var details detailsResponse
	if err := json.Unmarshal(body, &details); err != nil {
		return "", fmt.Errorf("%w: details payload: %v", snipe.ErrUnexpectedResponse, err)
	}
	if details.BookToken.Value == "" {
		return "", &snipe.RejectedError{Retriable: true, Reason: "no book token issued (slot likely gone)"}
	}

	paymentID := claim.PaymentMethodID
	if paymentID == 0 && len(details.User.PaymentMethods) > 0 {
		paymentID = details.User.PaymentMethods[0].ID
	}

	form := url.Values{}
	form.Set("book_token", details.BookToken.Value)
	if paymentID != 0 {
		pb, _ := json.Marshal(struct {
			ID int64 `json:"id"`
		}{ID: paymentID})
		form.Set("struct_payment_method", string(pb))
	}

	status, body, err = c.do(ctx, http.MethodPost, "/3/book", "application/x-www-form-urlencoded", nil, []byte(form.Encode()))
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", classifyBooking(status, body)
	}

	var br bookResponse
	if err := json.Unmarshal(body, &br); err != nil || br.ResyToken == "" {
		return "", fmt.Errorf("%w: book payload missing resy_token", snipe.ErrUnexpectedResponse)
	}
	return br.ResyToken, nil
}

// classifyStatus maps availability-path HTTP statuses onto the error
// taxonomy.
func classifyStatus(status int, message string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if message != "" {
			return fmt.Errorf("%w: %s (status=%d)", snipe.ErrAuth, message, status)
		}
		return fmt.Errorf("%w (status=%d)", snipe.ErrAuth, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (status=%d)", snipe.ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: server error (status=%d)", snipe.ErrTransport, status)
	default:
		return fmt.Errorf("%w (status=%d)", snipe.ErrUnexpectedResponse, status)
	}
}

// classifyBooking maps booking-path failures. Conflict-shaped statuses mean
// the slot was claimed between our fetch and our book: safe to retry with a
// fresh fetch. Everything else in the 4xx range is a hard reject.
func classifyBooking(status int, body []byte) error {
	var r struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &r)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (status=%d)", snipe.ErrAuth, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (status=%d)", snipe.ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: server error (status=%d)", snipe.ErrTransport, status)
	case status == http.StatusConflict || status == http.StatusGone || status == http.StatusPreconditionFailed:
		reason := r.Message
		if reason == "" {
			reason = fmt.Sprintf("slot no longer available (status=%d)", status)
		}
		return &snipe.RejectedError{Retriable: true, Reason: reason}
	default:
		reason := r.Message
		if reason == "" {
			reason = fmt.Sprintf("booking refused (status=%d)", status)
		}
		return &snipe.RejectedError{Retriable: false, Reason: reason}
	}
}

// do issues one request with the header set Resy's web client sends.
func (c *Client) do(ctx context.Context, method, path, contentType string, query map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", snipe.ErrTransport, err)
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Origin", "https://resy.com")
	req.Header.Set("Referer", "https://resy.com/")
	req.Header.Set("X-Origin", "https://resy.com")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Cache-Control", "no-cache")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", fmt.Sprintf(`ResyAPI api_key="%s"`, c.creds.APIKey))
	req.Header.Set("X-Resy-Auth-Token", c.creds.AuthToken)
	req.Header.Set("X-Resy-Universal-Auth", c.creds.AuthToken)

	if query != nil {
		q := req.URL.Query()
		for k, v := range query {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %v", snipe.ErrTransport, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("%w: read body: %v", snipe.ErrTransport, err)
	}
	return res.StatusCode, b, nil
}
