// Package turn issues time-limited relay credentials using the TURN REST
// scheme: username "<expiry-unix>:<user>", password
// base64(HMAC-SHA1(secret, username)).
package turn

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"

	"realtime_go/internal/clock"
	"realtime_go/internal/domain"
)

type Config struct {
	TURNURIs []string
	STUNURIs []string
	Secret   string
	TTL      time.Duration
}

// Issuer implements domain.CredentialIssuer.
type Issuer struct {
	cfg   Config
	clock clock.Clock
}

var _ domain.CredentialIssuer = (*Issuer)(nil)

func NewIssuer(cfg Config, c clock.Clock) *Issuer {
	if c == nil {
		c = clock.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Issuer{cfg: cfg, clock: c}
}

// Issue returns STUN servers plus, when a secret and TURN URIs are
// configured, a TURN server with credentials bound to userID.
func (i *Issuer) Issue(_ context.Context, userID string) (domain.RelayCredentials, error) {
	expires := i.clock.Now().Add(i.cfg.TTL).Truncate(time.Second)
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(i.cfg.STUNURIs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: i.cfg.STUNURIs})
	}
	if i.cfg.Secret != "" && len(i.cfg.TURNURIs) > 0 {
		username := strconv.FormatInt(expires.Unix(), 10) + ":" + userID
		servers = append(servers, webrtc.ICEServer{
			URLs:       i.cfg.TURNURIs,
			Username:   username,
			Credential: Password(i.cfg.Secret, username),
		})
	}
	return domain.RelayCredentials{ICEServers: servers, ExpiresAt: expires}, nil
}

// Password derives the TURN REST password for username.
func Password(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
