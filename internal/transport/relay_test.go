package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRelaySend(t *testing.T) {
	var gotPath, gotAuth string
	var gotMsg RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotMsg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, "tok-123", "alice")
	err := relay.Send(context.Background(), RawMessage{
		ID: "m1", Sender: "alice", Recipient: "bob", Content: "hi", Timestamp: 1000,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotPath != "POST /v1/messages" {
		t.Errorf("request = %q, want POST /v1/messages", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth = %q, want Bearer tok-123", gotAuth)
	}
	if gotMsg.ID != "m1" || gotMsg.Recipient != "bob" {
		t.Errorf("body = %+v, want id=m1 recipient=bob", gotMsg)
	}
}

func TestRelayPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/inbox/alice" {
			t.Errorf("path = %q, want /v1/inbox/alice", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(inboxResponse{Messages: []RawMessage{
			{ID: "m1", Sender: "bob", Recipient: "alice", Content: "hey", Timestamp: 1000},
			{ID: "m2", Sender: "bob", Recipient: "alice", Content: "there", Timestamp: 2000},
		}})
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, "", "alice")
	msgs, err := relay.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].Content != "there" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRelayAckDelivered(t *testing.T) {
	var gotPath string
	var gotReq ackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, "tok", "alice")
	if err := relay.AckDelivered(context.Background(), []string{"m1", "m2"}); err != nil {
		t.Fatalf("AckDelivered() error = %v", err)
	}
	if gotPath != "/v1/inbox/alice/ack" {
		t.Errorf("path = %q, want /v1/inbox/alice/ack", gotPath)
	}
	if len(gotReq.IDs) != 2 || gotReq.IDs[0] != "m1" {
		t.Errorf("ids = %v, want [m1 m2]", gotReq.IDs)
	}
}

func TestRelayAckEmptyNoRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, "", "alice")
	if err := relay.AckDelivered(context.Background(), nil); err != nil {
		t.Fatalf("AckDelivered(nil) error = %v", err)
	}
	if called {
		t.Error("empty ack should not hit the relay")
	}
}

func TestRelayUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, "bad", "alice")
	_, err := relay.Poll(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestRelayServerErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "inbox unavailable"})
	}))
	defer srv.Close()

	relay := NewRelay(srv.Client(), srv.URL, "", "alice")
	err := relay.Send(context.Background(), RawMessage{ID: "m1", Sender: "alice", Recipient: "bob"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}
