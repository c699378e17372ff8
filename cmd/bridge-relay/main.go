// Command bridge-relay runs either half of the two-hop bridge: Bridge A
// terminates the client's WebSocket carrier and forwards the still-sealed
// bridgeblind envelope onward; Bridge B unwraps the envelope with its
// static key, learns the real guard address, and relays bytes between the
// client's tunnel and a plain TCP connection to that guard. Rate limiting
// and client authentication are out of scope (see spec Non-goals) — this
// is the minimal reference shape, not a hardened public relay.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wisptor/wisp-core/bridgeblind"
)

// envelopeHeader carries the base64-encoded bridgeblind envelope from the
// client to Bridge A, and from Bridge A onward to Bridge B, the same
// side-channel-header idiom transport/webtunnel uses for its challenge.
const envelopeHeader = "X-Bridge-Envelope"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"tor"},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	role := flag.String("role", "a", "bridge role: a or b")
	addr := flag.String("addr", "127.0.0.1:9080", "listen address")
	upstream := flag.String("upstream", "", "Bridge A only: Bridge B's ws(s):// address")
	bridgeBPrivHex := flag.String("priv", "", "Bridge B only: hex X25519 private key")
	bridgeBPubHex := flag.String("pub", "", "Bridge B only: hex X25519 public key")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	switch *role {
	case "a":
		runBridgeA(*addr, *upstream, logger)
	case "b":
		runBridgeB(*addr, *bridgeBPrivHex, *bridgeBPubHex, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q (want a or b)\n", *role)
		os.Exit(1)
	}
}

func runBridgeA(addr, upstream string, logger *slog.Logger) {
	if upstream == "" {
		fmt.Fprintln(os.Stderr, "bridge A requires -upstream")
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		envB64 := r.Header.Get(envelopeHeader)
		if envB64 == "" {
			http.Error(w, "missing envelope", http.StatusBadRequest)
			return
		}

		clientConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("bridge-a: upgrade failed", "err", err)
			return
		}
		defer clientConn.Close()

		bHdr := http.Header{}
		bHdr.Set(envelopeHeader, envB64)
		bConn, resp, err := websocket.DefaultDialer.Dial(upstream, bHdr)
		if err != nil {
			logger.Warn("bridge-a: dial bridge B failed", "err", err)
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		defer bConn.Close()

		logger.Info("bridge-a: forwarding client to bridge B")
		proxyWS(clientConn, bConn, logger)
	})

	logger.Info("bridge A listening", "addr", addr, "upstream", upstream)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "bridge-a: %v\n", err)
		os.Exit(1)
	}
}

func runBridgeB(addr, privHex, pubHex string, logger *slog.Logger) {
	priv, pub, err := parseKeypair(privHex, pubHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge-b: %v\n", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		envB64 := r.Header.Get(envelopeHeader)
		if envB64 == "" {
			http.Error(w, "missing envelope", http.StatusBadRequest)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(envB64)
		if err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}
		env, err := bridgeblind.ParseSubprotocolEnvelope(raw)
		if err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}
		target, err := bridgeblind.Unwrap(priv, pub, env)
		if err != nil {
			logger.Warn("bridge-b: unwrap failed", "err", err)
			http.Error(w, "envelope rejected", http.StatusForbidden)
			return
		}

		guardConn, err := net.DialTimeout("tcp", string(target), 10*time.Second)
		if err != nil {
			logger.Warn("bridge-b: dial guard failed", "addr", string(target), "err", err)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}
		defer guardConn.Close()

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("bridge-b: upgrade failed", "err", err)
			return
		}
		defer wsConn.Close()

		logger.Info("bridge-b: relaying to guard", "addr", string(target))
		proxyTCP(wsConn, guardConn, logger)
	})

	logger.Info("bridge B listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "bridge-b: %v\n", err)
		os.Exit(1)
	}
}

func parseKeypair(privHex, pubHex string) (priv, pub [32]byte, err error) {
	if privHex == "" || pubHex == "" {
		return priv, pub, fmt.Errorf("both -priv and -pub are required for role b")
	}
	p, err := hex.DecodeString(privHex)
	if err != nil || len(p) != 32 {
		return priv, pub, fmt.Errorf("invalid -priv: must be 32 hex-encoded bytes")
	}
	q, err := hex.DecodeString(pubHex)
	if err != nil || len(q) != 32 {
		return priv, pub, fmt.Errorf("invalid -pub: must be 32 hex-encoded bytes")
	}
	copy(priv[:], p)
	copy(pub[:], q)
	return priv, pub, nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// proxyWS relays binary messages between two WebSocket connections
// (Bridge A sitting between the client and Bridge B).
func proxyWS(a, b *websocket.Conn, logger *slog.Logger) {
	done := make(chan struct{}, 2)
	go func() { copyWS(b, a); done <- struct{}{} }()
	go func() { copyWS(a, b); done <- struct{}{} }()
	<-done
}

func copyWS(dst, src *websocket.Conn) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// proxyTCP relays bytes between a WebSocket connection and a raw TCP
// connection (Bridge B sitting between Bridge A and the guard relay).
func proxyTCP(ws *websocket.Conn, tcp net.Conn, logger *slog.Logger) {
	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			if _, werr := tcp.Write(data); werr != nil {
				return
			}
		}
	}()
	<-done
}
