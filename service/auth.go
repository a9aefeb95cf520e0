package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/pgprelay/metrics"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/pgp"
	"github.com/zlnvch/pgprelay/store"
)

// newChallenge returns "<unix ms>-<base36 random>" with 128 random bits.
func newChallenge() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" +
		strconv.FormatUint(binary.BigEndian.Uint64(b[:8]), 36) +
		strconv.FormatUint(binary.BigEndian.Uint64(b[8:]), 36), nil
}

// Register binds username to publicKey on first use and issues a challenge
// for the connection to sign. It returns the challenge.
func (s *Service) Register(ctx context.Context, conn *ConnectionContext, req RegisterRequest) (string, error) {
	if err := ValidateUsername(req.Username); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if err := pgp.ValidatePublicKey(req.PublicKey); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	now := time.Now().UTC()
	existing, created, err := s.Store.EnsureIdentity(ctx, models.Identity{
		Username:  req.Username,
		PublicKey: req.PublicKey,
		Created:   now,
		LastSeen:  now,
	})
	if err != nil {
		log.Printf("EnsureIdentity failed for %s: %v", req.Username, err)
		return "", storeError("register", err)
	}

	if !created {
		if existing.PublicKey != req.PublicKey {
			log.Printf("Rejected registration of %s with a different key", req.Username)
			return "", ErrIdentityConflict
		}
		if err := s.Store.TouchIdentity(ctx, req.Username, now); err != nil {
			log.Printf("TouchIdentity failed for %s: %v", req.Username, err)
			return "", storeError("register", err)
		}
	} else {
		log.Printf("Created identity %s", req.Username)
	}

	challenge, err := newChallenge()
	if err != nil {
		return "", err
	}

	s.Presence.SetChallenge(conn.ID, PendingChallenge{
		Username:  req.Username,
		PublicKey: req.PublicKey,
		Challenge: challenge,
	})

	return challenge, nil
}

// VerifySignature completes the handshake. On success the connection is
// bound to the claimed identity, the roster is broadcast and queued messages
// are delivered. A failed signature leaves the challenge in place for a
// retry.
func (s *Service) VerifySignature(ctx context.Context, conn *ConnectionContext, req VerifySignatureRequest) error {
	pending, ok := s.Presence.Challenge(conn.ID)
	if !ok {
		return ErrNoChallenge
	}

	text, err := s.Verifier.VerifyClearsigned(req.Signed, pending.PublicKey)
	if err != nil || text != pending.Challenge {
		metrics.Handshake("failed")
		if err != nil {
			log.Printf("Signature verification failed for %s: %v", pending.Username, err)
		} else {
			log.Printf("Signature verification failed for %s: signed text does not match challenge", pending.Username)
		}
		return ErrSignatureInvalid
	}

	token, err := s.CreateJWT(pending.Username)
	if err != nil {
		return err
	}

	if previous := conn.Username(); previous != "" && previous != pending.Username {
		s.leaveAllWhiteboards(ctx, conn)
		s.Presence.Unregister(conn)
	}

	conn.setUsername(pending.Username)
	s.Presence.DeleteChallenge(conn.ID)
	if replaced := s.Presence.RegisterOnline(pending.Username, conn); replaced != nil {
		log.Printf("Connection %s replaced %s as the connection of %s", conn.ID, replaced.ID, pending.Username)
	}

	metrics.Handshake("success")
	log.Printf("Authenticated %s on connection %s", pending.Username, conn.ID)

	conn.Emit(EventRegistered, RegisteredData{Username: pending.Username, Token: token})

	if err := s.BroadcastRoster(ctx); err != nil {
		log.Printf("Failed to broadcast roster: %v", err)
	}

	if err := s.CatchUp(ctx, conn); err != nil {
		log.Printf("Catch-up failed for %s: %v", pending.Username, err)
		conn.Emit(EventError, ErrorData{
			Message: "queued messages could not be delivered",
			Code:    ErrorCode(err),
		})
	}

	return nil
}

// Logout unbinds the identity from the connection. The connection stays
// open and may register again.
func (s *Service) Logout(ctx context.Context, conn *ConnectionContext) {
	s.leaveAllWhiteboards(ctx, conn)
	s.Presence.DeleteChallenge(conn.ID)
	changed := s.Presence.Unregister(conn)
	conn.setUsername("")

	conn.Emit(EventLoggedOut, nil)

	if changed {
		if err := s.BroadcastRoster(ctx); err != nil {
			log.Printf("Failed to broadcast roster: %v", err)
		}
	}
}

// Disconnect releases everything a closed connection held.
func (s *Service) Disconnect(ctx context.Context, conn *ConnectionContext) {
	s.leaveAllWhiteboards(ctx, conn)
	s.Presence.DeleteChallenge(conn.ID)

	if s.Presence.Unregister(conn) {
		if err := s.Store.TouchIdentity(ctx, conn.Username(), time.Now().UTC()); err != nil {
			log.Printf("TouchIdentity failed for %s: %v", conn.Username(), err)
		}
		if err := s.BroadcastRoster(ctx); err != nil {
			log.Printf("Failed to broadcast roster: %v", err)
		}
	}
}

// Roster lists every known identity and the usernames currently online.
func (s *Service) Roster(ctx context.Context) (UsersData, error) {
	identities, err := s.Store.ListIdentities(ctx)
	if err != nil {
		return UsersData{}, storeError("list identities", err)
	}
	return UsersData{Users: identities, Online: s.Presence.Online()}, nil
}

func (s *Service) BroadcastRoster(ctx context.Context) error {
	if s.Broadcaster == nil {
		return nil
	}
	roster, err := s.Roster(ctx)
	if err != nil {
		return err
	}
	if msg := EncodeEvent(EventUsers, roster); msg != nil {
		s.Broadcaster.BroadcastAll(msg)
	}
	return nil
}

func (s *Service) CreateJWT(username string) (string, error) {
	claims := jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", time.Time{}, err
	}

	if !token.Valid {
		return "", time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", time.Time{}, errors.New("invalid token claims")
	}

	username, ok := claims["username"].(string)
	if !ok {
		return "", time.Time{}, errors.New("missing username claim")
	}

	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return "", time.Time{}, errors.New("missing exp claim")
	}
	expiry := time.Unix(int64(expFloat), 0)

	return username, expiry, nil
}

// AuthenticateToken resolves a REST bearer token to its identity.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (models.Identity, error) {
	if len(token) == 0 {
		return models.Identity{}, errors.New("token not provided")
	}

	username, _, err := s.VerifyJWT(token)
	if err != nil {
		return models.Identity{}, err
	}

	identity, err := s.Store.GetIdentity(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.Identity{}, ErrUnauthenticated
		}
		return models.Identity{}, storeError("get identity", err)
	}

	return identity, nil
}
