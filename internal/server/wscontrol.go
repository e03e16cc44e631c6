package server

import (
	"log/slog"
	"net/http"

	"github.com/agendomat/myproto/internal/common"
	"github.com/gorilla/websocket"
)

// newUpgrader creates a WebSocket upgrader sized to the read buffer. The
// endpoint carries no browser credentials, so every origin is accepted.
func newUpgrader(cfg *common.ServerConfig) websocket.Upgrader {
	size := cfg.Limits.ReadBufferSize
	if size <= 0 {
		size = 4096
	}
	return websocket.Upgrader{
		ReadBufferSize:  size,
		WriteBufferSize: size,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// HandleWebSocket upgrades the request and runs one session on the
// resulting connection. Binary messages carry the byte stream.
func (m *SessionManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := m.logger.With(slog.String("remote_addr", r.RemoteAddr))
	logger.Debug("WebSocket connection request")

	upgrader := newUpgrader(m.config)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("failed to upgrade to WebSocket", slog.Any("error", err))
		return
	}

	conn := common.NewWSConn(ws)
	if err := m.Serve(conn, common.GenerateConnID(), common.TransportWS); err != nil {
		logger.Debug("WebSocket session not started", slog.Any("error", err))
	}
}
