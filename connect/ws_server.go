package connect

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WebsocketSettings struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	// "*" allows any origin. Empty allows only requests without an origin and localhost.
	AllowedOrigins []string
	SocketSettings *WsSocketSettings
}

func DefaultWebsocketSettings() *WebsocketSettings {
	return &WebsocketSettings{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 5 * time.Second,
		AllowedOrigins:   []string{"*"},
		SocketSettings:   DefaultWsSocketSettings(),
	}
}

// WebsocketHandler upgrades each request and serves the socket as one peer.
func (self *Server) WebsocketHandler(settings *WebsocketSettings) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   settings.ReadBufferSize,
		WriteBufferSize:  settings.WriteBufferSize,
		HandshakeTimeout: settings.HandshakeTimeout,
		CheckOrigin:      originValidator(settings.AllowedOrigins),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.V(LogLevelInfo).Infof("[ws]upgrade err = %s\n", err)
			return
		}
		socket := NewWsSocket(conn, settings.SocketSettings)
		self.logDebug("upgrade %s", socket.RemoteAddr())
		self.ServeSocket(socket)
	})
}

func originValidator(allowedOrigins []string) func(*http.Request) bool {
	origins := mapset.NewSet[string]()
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		} else if origin != "" {
			origins.Add(strings.ToLower(origin))
		}
	}
	if origins.Cardinality() == 0 && !allowAll {
		origins.Add("http://localhost")
		origins.Add("https://localhost")
	}

	return func(r *http.Request) bool {
		// browsers always set origin
		if _, ok := r.Header["Origin"]; !ok {
			return true
		}
		origin := strings.ToLower(r.Header.Get("Origin"))
		if allowAll || origins.Contains(origin) {
			return true
		}
		// the allowed origin may omit the port
		if u, err := url.Parse(origin); err == nil && origins.Contains(u.Scheme+"://"+u.Hostname()) {
			return true
		}
		glog.Infof("[ws]rejected origin %s\n", origin)
		return false
	}
}
