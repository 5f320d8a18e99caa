// Package bridge is a messaging.Dialer that talks JSON over HTTP to a
// protocol sidecar holding the platform sessions.
//
// Every call is a POST under /v1/sessions/{id}/. Failures come back as
//
//	{"error": {"code": "FLOOD_WAIT", "seconds": 42, "message": "..."}}
//
// and are mapped onto the messaging error taxonomy.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"inviter/internal/config"
	"inviter/internal/messaging"
	logx "inviter/pkg/logx"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Dialer opens sessions on the sidecar.
type Dialer struct {
	base  *url.URL
	token string
	http  *http.Client
	log   logx.Logger
}

var _ messaging.Dialer = (*Dialer)(nil)

func New(cfg Config, log logx.Logger) (*Dialer, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("bridge base_url is required")
	}
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bridge base_url %q is not an absolute URL", raw)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{
		base:  u,
		token: cfg.Token,
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

type openRequest struct {
	Name    string `json:"name"`
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
	Session string `json:"session"`
	Phone   string `json:"phone,omitempty"`
}

type openResponse struct {
	SessionID string `json:"session_id"`
}

func (d *Dialer) Open(ctx context.Context, cred config.Credential) (messaging.Client, error) {
	var resp openResponse
	err := d.call(ctx, http.MethodPost, "/v1/sessions", openRequest{
		Name:    cred.Name,
		APIID:   cred.APIID,
		APIHash: cred.APIHash,
		Session: cred.Session,
		Phone:   cred.Phone,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", cred.Name, err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("open session %s: %w: empty session id", cred.Name, messaging.ErrUnavailable)
	}
	return &client{d: d, id: resp.SessionID}, nil
}

type apiError struct {
	Code    string `json:"code"`
	Seconds int    `json:"seconds,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

// call sends in as JSON and decodes a 2xx body into out (when non-nil).
func (d *Dialer) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	res, err := d.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", messaging.ErrUnavailable, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", messaging.ErrUnavailable, err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", messaging.ErrUnavailable, path, err)
		}
		return nil
	}

	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && env.Error != nil && env.Error.Code != "" {
		return mapError(env.Error)
	}
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s %s: HTTP %d", messaging.ErrUnavailable, method, path, res.StatusCode)
	}
	return fmt.Errorf("%s %s: HTTP %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(data)))
}

// mapError turns a sidecar error code into the messaging taxonomy. Unknown
// codes stay unclassified and carry the code as their text.
func mapError(e *apiError) error {
	switch strings.ToUpper(e.Code) {
	case "FLOOD_WAIT":
		return &messaging.FloodWaitError{Seconds: e.Seconds}
	case "PEER_FLOOD":
		return messaging.ErrPeerFlood
	case "USER_PRIVACY_RESTRICTED":
		return messaging.ErrPrivacyRestricted
	case "USER_NOT_MUTUAL_CONTACT":
		return messaging.ErrNotMutualContact
	case "USER_NOT_FOUND", "PHONE_NOT_OCCUPIED", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID":
		return messaging.ErrNotPlatformUser
	case "USER_ALREADY_PARTICIPANT":
		return messaging.ErrAlreadyParticipant
	case "UNAVAILABLE", "SESSION_UNAVAILABLE":
		return fmt.Errorf("%w: %s", messaging.ErrUnavailable, e.Message)
	default:
		if e.Message != "" {
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return errors.New(e.Code)
	}
}

type client struct {
	d  *Dialer
	id string
}

func (c *client) path(op string) string {
	return "/v1/sessions/" + url.PathEscape(c.id) + op
}

type userResponse struct {
	User *messaging.UserRef `json:"user"`
}

func (c *client) ImportContact(ctx context.Context, phone string) (messaging.UserRef, error) {
	var resp userResponse
	if err := c.d.call(ctx, http.MethodPost, c.path("/contacts/import"), map[string]string{"phone": phone}, &resp); err != nil {
		return messaging.UserRef{}, err
	}
	if resp.User == nil {
		return messaging.UserRef{}, messaging.ErrNotPlatformUser
	}
	return *resp.User, nil
}

func (c *client) DeleteContacts(ctx context.Context, users []messaging.UserRef) error {
	return c.d.call(ctx, http.MethodPost, c.path("/contacts/delete"), map[string]any{"users": users}, nil)
}

func (c *client) ResolveHandle(ctx context.Context, handle string) (messaging.UserRef, error) {
	var resp userResponse
	if err := c.d.call(ctx, http.MethodPost, c.path("/users/resolve"), map[string]string{"username": handle}, &resp); err != nil {
		return messaging.UserRef{}, err
	}
	if resp.User == nil {
		return messaging.UserRef{}, messaging.ErrNotPlatformUser
	}
	return *resp.User, nil
}

type channelUser struct {
	Channel string            `json:"channel"`
	User    messaging.UserRef `json:"user"`
}

func (c *client) IsParticipant(ctx context.Context, channel string, user messaging.UserRef) (bool, error) {
	var resp struct {
		Participant bool `json:"participant"`
	}
	err := c.d.call(ctx, http.MethodPost, c.path("/channels/is_participant"), channelUser{Channel: channel, User: user}, &resp)
	return resp.Participant, err
}

func (c *client) InviteToChannel(ctx context.Context, channel string, user messaging.UserRef) error {
	return c.d.call(ctx, http.MethodPost, c.path("/channels/invite"), channelUser{Channel: channel, User: user}, nil)
}

func (c *client) ExportInviteLink(ctx context.Context, channel string) (string, error) {
	var resp struct {
		Link string `json:"link"`
	}
	if err := c.d.call(ctx, http.MethodPost, c.path("/channels/export_link"), map[string]string{"channel": channel}, &resp); err != nil {
		return "", err
	}
	if resp.Link == "" {
		return "", errors.New("export_link: empty link")
	}
	return resp.Link, nil
}

func (c *client) SendMessage(ctx context.Context, user messaging.UserRef, text string) error {
	return c.d.call(ctx, http.MethodPost, c.path("/messages/send"), map[string]any{"user": user, "text": text}, nil)
}

// Close ends the session on the sidecar. It uses its own short deadline so
// it runs after the job context expired.
func (c *client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.d.call(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(c.id), nil, nil)
	if err != nil {
		c.d.log.Debug("bridge session close failed", logx.String("session", c.id), logx.Err(err))
	}
	return err
}
