package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// a signed token that expires `expiresIn` from now. Negative durations
// produce an already-expired token.
func testJwt(t *testing.T, expiresIn time.Duration) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": NewId().String(),
		"exp":     time.Now().Add(expiresIn).Unix(),
	})
	byJwt, err := token.SignedString([]byte("test signing key"))
	if err != nil {
		t.Fatal(err)
	}
	return byJwt
}

func TestSessionValid(t *testing.T) {
	session := NewSession(testJwt(t, time.Hour))
	assert.Equal(t, true, session.IsValid())
}

func TestSessionExpired(t *testing.T) {
	session := NewSession(testJwt(t, -time.Hour))
	assert.Equal(t, false, session.IsValid())
}

func TestSessionEmpty(t *testing.T) {
	session := NewSession("")
	assert.Equal(t, false, session.IsValid())
}

func TestSessionMalformed(t *testing.T) {
	session := NewSession("not a jwt")
	assert.Equal(t, false, session.IsValid())
}

func TestSessionNoExpiry(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": NewId().String(),
	})
	byJwt, err := token.SignedString([]byte("test signing key"))
	assert.Equal(t, err, nil)

	session := NewSession(byJwt)
	assert.Equal(t, true, session.IsValid())
}

func TestSessionRefresh(t *testing.T) {
	session := NewSession(testJwt(t, -time.Hour))
	assert.Equal(t, false, session.IsValid())

	session.SetByJwt(testJwt(t, time.Hour))
	assert.Equal(t, true, session.IsValid())
}
