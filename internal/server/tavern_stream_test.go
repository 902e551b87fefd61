package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTavernStreamRelaysNewMessages(t *testing.T) {
	server := newTestServer(t)
	session := server.guest(t, "ada")
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/tavern/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+session.AccessToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	reader := bufio.NewReader(response.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("stream ended early: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	if event, data := readEvent(); event != tavernEventHeartbeat || !strings.Contains(data, tavernSourceBackend) {
		t.Fatalf("expected an initial heartbeat, got %q %q", event, data)
	}

	recorder := server.do(t, http.MethodPost, "/tavern/messages", session.AccessToken, tavernSendPayload{Content: "raid at the ember gate"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("send failed: %d", recorder.Code)
	}

	event, data := readEvent()
	if event != TavernEventMessage {
		t.Fatalf("expected a tavern message event, got %q", event)
	}
	if !strings.Contains(data, "raid at the ember gate") || !strings.Contains(data, session.UserID) {
		t.Fatalf("unexpected message payload %q", data)
	}
}
