package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushDispatcher posts notification payloads to an HTTP push provider.
// Used as the fallback when a user has no live WebSocket session.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewPushDispatcher(endpoint string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Push(userID string, payload any) error {
	b, err := json.Marshal(map[string]any{"user_id": userID, "payload": payload})
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
