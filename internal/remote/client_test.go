package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dentalsync/internal/dental"
)

type call struct {
	action string
	form   map[string]string
}

type fakeBackend struct {
	mu     sync.Mutex
	calls  []call
	status int
	body   string
}

func (f *fakeBackend) set(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeBackend) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := map[string]string{}
	for k, v := range r.MultipartForm.Value {
		form[k] = v[0]
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{action: form["action"], form: form})
	status, body := f.status, f.body
	f.mu.Unlock()
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newClient(t *testing.T, status int, body string) (*Client, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{status: status, body: body}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return New(Options{URL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop()), fb
}

func TestSave_PostsActionAndRecord(t *testing.T) {
	c, fb := newClient(t, 200, `{"success":true}`)

	s := dental.Student{Name: "Juan Dela Cruz", DOB: "05/01/2015", School: "Rizal ES", ParentName: "Rosa"}
	require.NoError(t, c.Save(context.Background(), StudentRecord(s, "abc", time.Now())))

	calls := fb.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "save", calls[0].action)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].form["record"]), &rec))
	assert.Equal(t, "Juan Dela Cruz", rec["completeName"])
	assert.Equal(t, "Rosa", rec["parentName"])
	assert.Equal(t, "student", rec["type"])
	assert.Equal(t, "abc", rec["uuid"])
}

func TestSave_Outcomes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"empty ok body", 200, "", nil},
		{"no success field", 200, `{"row":12}`, nil},
		{"http error", 500, "boom", ErrRemoteRejected},
		{"refused", 200, `{"success":false,"message":"sheet locked"}`, ErrRemoteRejected},
		{"error without success", 200, `{"error":"quota"}`, ErrRemoteRejected},
		{"error beside success", 200, `{"success":true,"error":"Sheet 'Records' not found"}`, ErrRemoteRejected},
		{"garbage", 200, "<html>", ErrMalformedResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newClient(t, tc.status, tc.body)
			err := c.Save(context.Background(), Record{"completeName": "x"})
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSave_RejectedCarriesMessage(t *testing.T) {
	c, _ := newClient(t, 200, `{"success":false,"error":"quota"}`)
	err := c.Save(context.Background(), Record{})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "quota", rejected.Message)
}

func TestSave_ErrorFieldIsRejection(t *testing.T) {
	c, _ := newClient(t, 200, `{"error":"Sheet 'Records' not found"}`)
	err := c.Save(context.Background(), Record{})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "Sheet 'Records' not found", rejected.Message)
}

func TestSave_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{URL: url, Timeout: time.Second}, zap.NewNop())
	err := c.Save(context.Background(), Record{})
	assert.ErrorIs(t, err, ErrRemoteUnreachable)
	assert.ErrorIs(t, c.Probe(context.Background()), ErrRemoteUnreachable)
}

func TestSearch(t *testing.T) {
	body := `{"found":true,"records":[{"Complete Name":"Juan Dela Cruz","DOB":"2015-01-05","School":"Rizal ES"}]}`
	c, fb := newClient(t, 200, body)

	recs, err := c.Search(context.Background(), "Juan Dela Cruz", "05/01/2015", "Rizal ES")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	first := fb.recorded()[0]
	assert.Equal(t, "search", first.action)
	assert.Equal(t, "Juan Dela Cruz", first.form["completeName"])
	assert.Equal(t, "05/01/2015", first.form["dob"])
	assert.Equal(t, "Rizal ES", first.form["school"])

	fb.set(200, `{"found":false}`)
	recs, err = c.Search(context.Background(), "a", "b", "c")
	require.NoError(t, err)
	assert.Empty(t, recs)

	fb.set(200, `not json`)
	recs, err = c.Search(context.Background(), "a", "b", "c")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGetAll_Shapes(t *testing.T) {
	body := `[{"completeName":"A"},{"completeName":"B"}]`
	c, fb := newClient(t, 200, body)

	recs, err := c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	fb.set(200, `{"records":[{"completeName":"A"}]}`)
	recs, err = c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	fb.set(200, `{"data":[{"completeName":"A"}]}`)
	recs, err = c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	fb.set(200, `oops`)
	recs, err = c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestProbe(t *testing.T) {
	c, _ := newClient(t, 200, "")
	assert.NoError(t, c.Probe(context.Background()))
}

func TestThrottle_WaitsForRefill(t *testing.T) {
	l := NewThrottle(60)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		require.Zero(t, l.reserve("save"), "token %d", i)
	}
	assert.InDelta(t, float64(time.Second), float64(l.reserve("save")), float64(time.Millisecond))
	assert.Zero(t, l.reserve("search"), "buckets are per action")

	now = now.Add(time.Second)
	assert.Zero(t, l.reserve("save"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, "save"), context.Canceled)

	assert.NoError(t, NewThrottle(0).Wait(context.Background(), "save"))
}
