package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", 5*time.Second, 10)
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/exam_sessions" || r.Method != "POST" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("apikey"); got != "test-key" {
			t.Errorf("apikey header = %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["template_id"] != "academic-1" {
			t.Errorf("template_id = %q", body["template_id"])
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `[{"id":"sess-1","template_id":"academic-1","status":"preparation"}]`)
	})

	sess, err := c.CreateSession(context.Background(), "academic-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != "sess-1" || sess.Status != "preparation" {
		t.Errorf("session = %+v", sess)
	}
}

func TestUploadResponse(t *testing.T) {
	var gotObject string
	var gotRow map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/storage/v1/object/responses/"):
			gotObject = strings.TrimPrefix(r.URL.Path, "/storage/v1/object/responses/")
			if ct := r.Header.Get("Content-Type"); ct != "audio/flac" {
				t.Errorf("content type = %q", ct)
			}
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/rest/v1/responses":
			json.NewDecoder(r.Body).Decode(&gotRow)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	err := c.UploadResponse(context.Background(), UploadRequest{
		SessionID:  "sess-1",
		QuestionID: "q-42",
		Part:       2,
		Order:      1,
		Transcript: "I would like to describe",
		Audio:      []byte{1, 2, 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotObject != "sess-1_part2_q1.flac" {
		t.Errorf("object name = %q", gotObject)
	}
	if gotRow["question_id"] != "q-42" || gotRow["audio_path"] != "responses/sess-1_part2_q1.flac" {
		t.Errorf("row = %v", gotRow)
	}
}

func TestUploadResponsePayloadCap(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "k", time.Second, 1)
	err := c.UploadResponse(context.Background(), UploadRequest{
		SessionID: "s", QuestionID: "q", Part: 1, Order: 1,
		Audio: make([]byte, 2<<20),
	})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestUploadResponseServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	})
	err := c.UploadResponse(context.Background(), UploadRequest{
		SessionID: "s", QuestionID: "q", Part: 1, Order: 1, Audio: []byte{1},
	})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
}

func TestMarkCompleted(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PATCH" {
			t.Errorf("method = %s", r.Method)
		}
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.MarkCompleted(context.Background(), "sess-9"); err != nil {
		t.Fatal(err)
	}
	if gotQuery != "id=eq.sess-9" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestGetResultsPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	res, err := c.GetResults(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected nil results while processing, got %+v", res)
	}
}

func TestGetResultsScored(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"session_id":"sess-1","overall_band":"7.0","fluency_band":"6.5","pronunciation_band":"7.5","grammar_band":"6.5","vocabulary_band":"7.0"}]`)
	})
	res, err := c.GetResults(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected results")
	}
	if res.Overall.String() != "7" {
		t.Errorf("overall = %s", res.Overall)
	}
	if res.Pronunciation.String() != "7.5" {
		t.Errorf("pronunciation = %s", res.Pronunciation)
	}
}

func TestCheckStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"status":"processing"}]`)
	})
	status, err := c.CheckStatus(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "processing" {
		t.Errorf("status = %q", status)
	}
}
