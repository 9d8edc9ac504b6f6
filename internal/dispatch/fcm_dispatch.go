package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMDispatcher pushes payloads through the FCM HTTPv1 endpoint. The
// user id doubles as the registration token lookup key upstream.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Push(userID string, payload any) error {
	body := map[string]any{
		"message": map[string]any{
			"token": userID,
			"data":  payload,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm returned %d", resp.StatusCode)
	}
	return nil
}
