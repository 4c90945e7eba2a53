package ntfy_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchfish/dailytask/internal/ntfy"
	"github.com/touchfish/dailytask/internal/resilience"
)

func singleAttempt() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
	}
}

func TestSendPublishesJSON(t *testing.T) {
	t.Parallel()

	var (
		gotMethod string
		gotPath   string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"id": "abc123"})
	}))
	defer srv.Close()

	client := ntfy.New(srv.URL, "", "", singleAttempt())
	err := client.Send(context.Background(), ntfy.Message{
		Topic:    "daily",
		Message:  "hello",
		Title:    "greeting",
		Priority: ntfy.PriorityHigh,
		Tags:     []string{"wave"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/", gotPath)
	assert.Equal(t, "daily", gotBody["topic"])
	assert.Equal(t, "hello", gotBody["message"])
	assert.Equal(t, "greeting", gotBody["title"])
	assert.Equal(t, float64(ntfy.PriorityHigh), gotBody["priority"])
	assert.Equal(t, []any{"wave"}, gotBody["tags"])
}

func TestSendOmitsEmptyFields(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"id": "abc123"})
	}))
	defer srv.Close()

	client := ntfy.New(srv.URL, "", "", singleAttempt())
	require.NoError(t, client.Send(context.Background(), ntfy.Message{Topic: "daily", Message: "hi"}))

	assert.NotContains(t, gotBody, "title")
	assert.NotContains(t, gotBody, "priority")
	assert.NotContains(t, gotBody, "tags")
	assert.NotContains(t, gotBody, "attach")
}

func TestSendAttachment(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"id": "abc123"})
	}))
	defer srv.Close()

	client := ntfy.New(srv.URL, "", "", singleAttempt())
	err := client.Send(context.Background(), ntfy.Message{
		Topic:   "daily",
		Message: "report",
		Attachment: &ntfy.Attachment{
			Filename: "report.pdf",
			URL:      "https://example.com/report.pdf",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "report.pdf", gotBody["filename"])
	assert.Equal(t, "https://example.com/report.pdf", gotBody["attach"])
}

func TestSendBasicAuth(t *testing.T) {
	t.Parallel()

	var gotUser, gotPass string
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotAuth = r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]any{"id": "abc123"})
	}))
	defer srv.Close()

	client := ntfy.New(srv.URL, "alice", "secret", singleAttempt())
	require.NoError(t, client.Send(context.Background(), ntfy.Message{Topic: "daily", Message: "hi"}))

	require.True(t, gotAuth)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func TestSendRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"error": "forbidden", "code": 40301})
	}))
	defer srv.Close()

	client := ntfy.New(srv.URL, "", "", singleAttempt())
	err := client.Send(context.Background(), ntfy.Message{Topic: "daily", Message: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}
