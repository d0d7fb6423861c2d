package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"road-defect-pipeline/models"
)

func TestHubDeliversEventsToClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := NewClient(hub, nil)
	hub.Register <- client

	event := models.DefectEvent{Kind: "created", DefectID: "d1"}
	hub.BroadcastEvent(event)

	select {
	case data := <-client.send:
		var got models.DefectEvent
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if got.Kind != "created" || got.DefectID != "d1" {
			t.Errorf("got %+v, want the broadcast event", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	slow := NewClient(hub, nil)
	hub.Register <- slow

	// Fill the client's buffer without draining it, then keep publishing.
	for i := 0; i < cap(slow.send)+8; i++ {
		hub.BroadcastEvent(models.DefectEvent{Kind: "created", DefectID: "d"})
	}

	deadline := time.After(2 * time.Second)
	for {
		clients, _, _ := hub.GetStats()
		if clients == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("slow client was never dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBroadcastNeverBlocksPublisher(t *testing.T) {
	hub := NewHub() // Run is intentionally not started

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(hub.broadcast)*2; i++ {
			hub.BroadcastEvent(models.DefectEvent{Kind: "created"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BroadcastEvent blocked with no consumer")
	}

	_, _, dropped := hub.GetStats()
	if dropped == 0 {
		t.Error("overflow should drop oldest pending events")
	}
}
