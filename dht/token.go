package dht

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/peerdht/scheduler"
)

const (
	// DefaultTokenRotation is how often the token secret changes.
	DefaultTokenRotation = 5 * time.Minute

	tokenLength  = 8
	secretLength = 32
)

// TokenManager issues and verifies announce tokens. A token is a keyed hash
// of the requester's identity under a rotating secret; only the current and
// previous secrets are kept, so a token stays valid for between one and two
// rotation periods. Owned by the engine's scheduler.
type TokenManager struct {
	tp       scheduler.TimeProvider
	rotation time.Duration

	current   [secretLength]byte
	previous  [secretLength]byte
	epoch     uint64
	rotatedAt time.Time
}

// NewTokenManager creates a token manager rotating secrets every rotation.
func NewTokenManager(rotation time.Duration, tp scheduler.TimeProvider) *TokenManager {
	if rotation <= 0 {
		rotation = DefaultTokenRotation
	}
	m := &TokenManager{
		tp:       scheduler.GetTimeProvider(tp),
		rotation: rotation,
	}
	m.current = newSecret()
	m.previous = newSecret()
	m.rotatedAt = m.tp.Now()
	return m
}

// Issue returns the token for a requester identified by id and addr.
func (m *TokenManager) Issue(id ID, addr net.Addr) []byte {
	m.rotate()
	return m.mac(m.current, m.epoch, id, addr)
}

// Verify reports whether token was issued to id at addr within the
// validity window.
func (m *TokenManager) Verify(id ID, addr net.Addr, token []byte) bool {
	if len(token) != tokenLength {
		return false
	}
	m.rotate()
	if subtle.ConstantTimeCompare(token, m.mac(m.current, m.epoch, id, addr)) == 1 {
		return true
	}
	return m.epoch > 0 && subtle.ConstantTimeCompare(token, m.mac(m.previous, m.epoch-1, id, addr)) == 1
}

func (m *TokenManager) rotate() {
	elapsed := m.tp.Now().Sub(m.rotatedAt)
	if elapsed < m.rotation {
		return
	}

	steps := uint64(elapsed / m.rotation)
	if steps >= 2 {
		m.previous = newSecret()
	} else {
		m.previous = m.current
	}
	m.current = newSecret()
	m.epoch += steps
	m.rotatedAt = m.rotatedAt.Add(time.Duration(steps) * m.rotation)
}

func (m *TokenManager) mac(secret [secretLength]byte, epoch uint64, id ID, addr net.Addr) []byte {
	h, err := blake2b.New256(secret[:])
	if err != nil {
		panic("dht: blake2b key rejected: " + err.Error())
	}
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], epoch)
	h.Write(e[:])
	h.Write(id[:])
	if addr != nil {
		h.Write([]byte(addr.String()))
	}
	return h.Sum(nil)[:tokenLength]
}

func newSecret() [secretLength]byte {
	var s [secretLength]byte
	if _, err := rand.Read(s[:]); err != nil {
		panic("dht: crypto/rand failed: " + err.Error())
	}
	return s
}
