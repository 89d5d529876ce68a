// Package token fetches join credentials from the token service over HTTP.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

type request struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
}

type response struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Source struct {
	url    string
	client *http.Client
}

func NewSource(url string, timeout time.Duration) *Source {
	return &Source{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *Source) Token(ctx context.Context, channel domain.ChannelID, ident domain.Identity) (core.Credentials, error) {
	body, err := json.Marshal(request{
		Channel: string(channel),
		UserID:  string(ident.ID),
		Name:    ident.DisplayName,
		Role:    string(ident.Role),
	})
	if err != nil {
		return core.Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return core.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return core.Credentials{}, fmt.Errorf("%w: token request: %w", core.ErrTransportInit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return core.Credentials{}, fmt.Errorf("%w: token service returned %d: %s", core.ErrTransportInit, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return core.Credentials{}, fmt.Errorf("%w: decode token: %w", core.ErrTransportInit, err)
	}
	if out.Token == "" {
		return core.Credentials{}, fmt.Errorf("%w: empty token", core.ErrTransportInit)
	}
	log.Debug().Str("module", "adapters.token").Str("channel", string(channel)).Time("expires_at", out.ExpiresAt).Msg("token issued")
	return core.Credentials{Token: out.Token, ChannelID: channel, ExpiresAt: out.ExpiresAt}, nil
}
