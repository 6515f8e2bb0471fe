// services/notify_service.go
package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"match-escrow-system/utils"
)

// NotifyClient pushes events (join success/failure, verdict, payout) to the
// external notification service. Delivery is strictly fire-and-forget: a
// notification failure must never roll back a financial operation, so
// Publish returns nothing and only logs.
type NotifyClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewNotifyClient() *NotifyClient {
	baseURL := os.Getenv("NOTIFY_SERVICE_URL")
	if baseURL == "" {
		log.Println("⚠️  NOTIFY_SERVICE_URL not set — notifications disabled")
	}
	return &NotifyClient{
		BaseURL: baseURL,
		Token:   os.Getenv("WAGER_SERVICE_TOKEN"),
		Client:  utils.HTTPClient,
	}
}

// Publish posts an event to the notification service in the background.
func (n *NotifyClient) Publish(event string, payload map[string]interface{}) {
	if n == nil || n.BaseURL == "" {
		return
	}
	go n.send(event, payload)
}

func (n *NotifyClient) send(event string, payload map[string]interface{}) {
	body := map[string]interface{}{
		"event":   event,
		"payload": payload,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		log.Printf("⚠️  [NOTIFY] Failed to marshal event %s: %v", event, err)
		return
	}

	url := fmt.Sprintf("%s/events", n.BaseURL)
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		log.Printf("⚠️  [NOTIFY] Failed to build request for %s: %v", event, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.Token)

	resp, err := n.Client.Do(req)
	if err != nil {
		log.Printf("⚠️  [NOTIFY] Failed to deliver %s: %v", event, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("⚠️  [NOTIFY] Notification service returned %d for %s", resp.StatusCode, event)
	}
}
