package domintell

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
)

// Banners the controller sends during login and keepalive.
const (
	bannerLegacyLogin = "INFO:Waiting for LOGINPSW:INFO"
	bannerNonceLogin  = "INFO:Waiting for LOGINPSW:NONCE="
	bannerSaltReply   = "INFO:REQUESTSALT:USERNAME"
	bannerWorld       = "INFO:World:INFO"
	bannerOpened      = "INFO:Session opened:INFO"
	bannerPong        = "PONG"
	bannerAppInfo     = "APPINFO"
)

// bannerKind classifies a control line from the controller.
type bannerKind int

const (
	bannerNone bannerKind = iota
	bannerKindLegacyLogin
	bannerKindNonceLogin
	bannerKindSaltReply
	bannerKindLiveness
	bannerKindAppInfo
)

// classifyBanner matches a line against the login and keepalive banners.
// Lines that are not banners return bannerNone and go to the decoder.
func classifyBanner(line string) bannerKind {
	switch {
	case strings.HasPrefix(line, bannerLegacyLogin):
		return bannerKindLegacyLogin
	case strings.HasPrefix(line, bannerNonceLogin):
		return bannerKindNonceLogin
	case strings.HasPrefix(line, bannerSaltReply):
		return bannerKindSaltReply
	case strings.HasPrefix(line, bannerWorld), strings.HasPrefix(line, bannerOpened), line == bannerPong:
		return bannerKindLiveness
	case strings.HasPrefix(line, bannerAppInfo):
		return bannerKindAppInfo
	default:
		return bannerNone
	}
}

// SaltChallenge is the controller's reply to REQUESTSALT.
type SaltChallenge struct {
	Username string
	Nonce    string
	Salt     string
}

// ParseSaltChallenge parses "INFO:REQUESTSALT:USERNAME=u:NONCE=n:SALT=s:INFO".
// Fields are read by key so trailing segments are tolerated.
func ParseSaltChallenge(line string) (SaltChallenge, error) {
	if !strings.HasPrefix(line, bannerSaltReply) {
		return SaltChallenge{}, fmt.Errorf("%w: not a salt reply", ErrAuthFailed)
	}

	var c SaltChallenge
	for _, field := range strings.Split(line, ":") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "USERNAME":
			c.Username = value
		case "NONCE":
			c.Nonce = value
		case "SALT":
			c.Salt = value
		}
	}

	if c.Nonce == "" || c.Salt == "" {
		return SaltChallenge{}, fmt.Errorf("%w: salt reply missing nonce or salt", ErrAuthFailed)
	}
	return c, nil
}

// LoginDigest computes the salted login proof:
//
//	hex(SHA-512(nonce + hex(SHA-512(password + salt))))
func LoginDigest(password, nonce, salt string) string {
	inner := sha512.Sum512([]byte(password + salt))
	outer := sha512.Sum512([]byte(nonce + hex.EncodeToString(inner[:])))
	return hex.EncodeToString(outer[:])
}
