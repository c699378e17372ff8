// Package webtunnel implements the WebTunnel pluggable transport: a
// WebSocket carrier (see transport/ws) fronted by an HMAC-SHA256 challenge
// that lets the bridge's HTTP endpoint reject scanners and non-Tor clients
// before upgrading the connection.
package webtunnel

import (
	"bytes"
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/wisptor/wisp-core/wcrypto"
)

// maxDrift bounds how far a challenge timestamp may lag or lead the
// verifier's clock before it is rejected.
const maxDrift = 5 * time.Minute

const challengeHeader = "X-WebTunnel-Challenge"

var upgrader = gws.Dialer{
	Subprotocols:     []string{"tor"},
	HandshakeTimeout: 15 * time.Second,
}

// Dialer opens WebTunnel carriers authenticated with secret.
type Dialer struct {
	Secret string
}

func (Dialer) Name() string { return "webtunnel" }

// Dial performs the challenge-authenticated WebSocket upgrade and returns
// the resulting Carrier.
func (d Dialer) Dial(addr string) (net.Conn, error) {
	if d.Secret == "" {
		return nil, fmt.Errorf("webtunnel: no shared secret configured")
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("webtunnel: parse url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}

	hdr := http.Header{}
	hdr.Set(challengeHeader, BuildChallenge(d.Secret))

	conn, resp, err := upgrader.Dial(u.String(), hdr)
	if err != nil {
		return nil, fmt.Errorf("webtunnel: dial %s: %w", u, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return wsConn{conn, &bytes.Buffer{}}, nil
}

// BuildChallenge produces a "v1.<hex32>.<unix-seconds>" challenge string
// keyed on secret and the current time.
func BuildChallenge(secret string) string {
	ts := time.Now().Unix()
	mac := hmacNonce(secret, ts)
	return fmt.Sprintf("v1.%s.%d", hex.EncodeToString(mac), ts)
}

// VerifyChallenge checks a challenge string produced by BuildChallenge
// against secret, rejecting anything outside the drift window or with a
// mismatched MAC. Comparison is constant-time.
func VerifyChallenge(secret, challenge string) bool {
	parts := strings.SplitN(challenge, ".", 3)
	if len(parts) != 3 || parts[0] != "v1" {
		return false
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return false
	}
	drift := time.Since(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift {
		return false
	}
	got, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want := hmacNonce(secret, ts)
	return hmac.Equal(got, want)
}

func hmacNonce(secret string, ts int64) []byte {
	full := wcrypto.HMACSHA256([]byte(secret), []byte(strconv.FormatInt(ts, 10)))
	return full[:16]
}

// wsConn re-exposes a *websocket.Conn as a net.Conn the same way
// transport/ws does; kept local so this package has no import-time
// dependency on ws's unexported type.
type wsConn struct {
	*gws.Conn
	rdBuf *bytes.Buffer
}

func (c wsConn) Read(p []byte) (int, error) {
	if c.rdBuf.Len() > 0 {
		return c.rdBuf.Read(p)
	}
	for {
		msgType, data, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != gws.BinaryMessage || len(data) == 0 {
			continue
		}
		c.rdBuf.Write(data)
		return c.rdBuf.Read(p)
	}
}

func (c wsConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(gws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
