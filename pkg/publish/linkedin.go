package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultLinkedInURL = "https://api.linkedin.com/v2/ugcPosts"
	// LinkedInMaxChars is the API limit on share commentary.
	LinkedInMaxChars = 3000
)

type LinkedInConfig struct {
	AccessToken string `yaml:"accessToken"`
	UserSub     string `yaml:"userSub"`
	Endpoint    string `yaml:"endpoint"`
}

// LinkedInPublisher posts member shares through the UGC Posts API.
type LinkedInPublisher struct {
	token      string
	author     string
	endpoint   string
	httpClient *http.Client
}

func NewLinkedInPublisher(cfg LinkedInConfig) (*LinkedInPublisher, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	sub := strings.TrimSpace(cfg.UserSub)
	if token == "" || sub == "" {
		return nil, errors.New("linkedin access token and user sub required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultLinkedInURL
	}
	return &LinkedInPublisher{
		token:      token,
		author:     "urn:li:person:" + sub,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *LinkedInPublisher) Publish(ctx context.Context, post Post) (string, error) {
	if n := utf8.RuneCountInString(post.Body); n > LinkedInMaxChars {
		return "", &Error{Publisher: "linkedin", Message: fmt.Sprintf("content too long: %d chars (max %d)", n, LinkedInMaxChars)}
	}
	body, err := json.Marshal(newUGCPost(p.author, post.Body))
	if err != nil {
		return "", &Error{Publisher: "linkedin", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Publisher: "linkedin", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &Error{Publisher: "linkedin", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return "", &Error{Publisher: "linkedin", StatusCode: resp.StatusCode, Message: msg}
	}
	id := resp.Header.Get("X-RestLi-Id")
	if id == "" {
		var out struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		id = out.ID
	}
	if id == "" {
		// The share exists; report success so the item is not re-posted.
		id = "unknown"
	}
	return id, nil
}

type ugcPost struct {
	Author          string                     `json:"author"`
	LifecycleState  string                     `json:"lifecycleState"`
	SpecificContent map[string]ugcShareContent `json:"specificContent"`
	Visibility      map[string]string          `json:"visibility"`
}

type ugcShareContent struct {
	ShareCommentary    ugcText `json:"shareCommentary"`
	ShareMediaCategory string  `json:"shareMediaCategory"`
}

type ugcText struct {
	Text string `json:"text"`
}

func newUGCPost(author, text string) ugcPost {
	return ugcPost{
		Author:         author,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]ugcShareContent{
			"com.linkedin.ugc.ShareContent": {
				ShareCommentary:    ugcText{Text: text},
				ShareMediaCategory: "NONE",
			},
		},
		Visibility: map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}
}
