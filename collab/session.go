package collab

import (
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the authenticated session for this tab. Reconnect paths check `IsValid`
// before dialing so that a dead session does not drive a reconnect storm.
type Session struct {
	mutex sync.Mutex
	byJwt string
}

func NewSession(byJwt string) *Session {
	return &Session{
		byJwt: byJwt,
	}
}

func (self *Session) ByJwt() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.byJwt
}

// token refresh
func (self *Session) SetByJwt(byJwt string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.byJwt = byJwt
}

// checks the token's expiry claim without signature verification.
// verification is the gateway's job; the client only needs to know
// whether retrying is pointless.
func (self *Session) IsValid() bool {
	byJwt := self.ByJwt()
	if byJwt == "" {
		return false
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return false
	}
	expirationTime, err := token.Claims.GetExpirationTime()
	if err != nil {
		return false
	}
	if expirationTime == nil {
		// no expiry claim
		return true
	}
	return time.Now().Before(expirationTime.Time)
}
