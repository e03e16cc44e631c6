package common

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSConn_StreamsBytes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(ws)
		defer conn.Close()

		var sb strings.Builder
		buf := make([]byte, 3)
		for {
			n, err := conn.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		received <- sb.String()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	client := NewWSConn(ws)

	for _, chunk := range []string{"MYPROTO:", "VER:000001", "ACCEPT"} {
		if _, err := client.Write([]byte(chunk)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	client.Close()

	select {
	case got := <-received:
		if got != "MYPROTO:VER:000001ACCEPT" {
			t.Errorf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the close")
	}
}

func TestTranslateWSError(t *testing.T) {
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if !errors.Is(translateWSError(normal), io.EOF) {
		t.Error("normal closure should read as EOF")
	}
	abnormal := &websocket.CloseError{Code: websocket.CloseProtocolError}
	if errors.Is(translateWSError(abnormal), io.EOF) {
		t.Error("protocol error closure should not read as EOF")
	}
}
