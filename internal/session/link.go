package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidLink = errors.New("invalid link")

// Link is the parameter set carried by an "open project" deep link such as
// relaydoc://open?projectId=p1&wsUrl=wss://relay.example.com&token=t.
type Link struct {
	ProjectID string
	WSURL     string
	Token     string
	APIURL    string
}

func ParseLink(raw string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	q := u.Query()
	link := Link{
		ProjectID: strings.TrimSpace(q.Get("projectId")),
		WSURL:     strings.TrimSpace(q.Get("wsUrl")),
		Token:     strings.TrimSpace(q.Get("token")),
		APIURL:    strings.TrimSpace(q.Get("apiUrl")),
	}
	if err := link.Validate(); err != nil {
		return Link{}, err
	}
	return link, nil
}

func (l Link) Validate() error {
	if l.ProjectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrInvalidLink)
	}
	if l.WSURL == "" {
		return fmt.Errorf("%w: wsUrl is required", ErrInvalidLink)
	}
	ws, err := url.Parse(l.WSURL)
	if err != nil || ws.Host == "" {
		return fmt.Errorf("%w: wsUrl %q is not an absolute url", ErrInvalidLink, l.WSURL)
	}
	switch ws.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w: unsupported wsUrl scheme %q", ErrInvalidLink, ws.Scheme)
	}
	if l.APIURL != "" {
		api, err := url.Parse(l.APIURL)
		if err != nil || api.Host == "" {
			return fmt.Errorf("%w: apiUrl %q is not an absolute url", ErrInvalidLink, l.APIURL)
		}
	}
	return nil
}

// String renders the link in the form ParseLink accepts.
func (l Link) String() string {
	q := url.Values{}
	q.Set("projectId", l.ProjectID)
	q.Set("wsUrl", l.WSURL)
	if l.Token != "" {
		q.Set("token", l.Token)
	}
	if l.APIURL != "" {
		q.Set("apiUrl", l.APIURL)
	}
	return "relaydoc://open?" + q.Encode()
}
