package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	hades "github.com/jsierles/opscode-agent/shared"
	"github.com/jsierles/opscode-agent/shared/joblogs"
	hadesnats "github.com/jsierles/opscode-agent/shared/nats"
	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeRequester struct {
	reply json.RawMessage
	err   error
	got   hades.JobRequest
	calls int
}

func (f *fakeRequester) Request(_ context.Context, req hades.JobRequest) (json.RawMessage, error) {
	f.got = req
	f.calls++
	return f.reply, f.err
}

type fakeLogConsumer struct {
	batches []joblogs.Log
	err     error
	jobID   string
}

func (f *fakeLogConsumer) WatchJobLogs(_ context.Context, jobID string, handler func(joblogs.Log)) error {
	f.jobID = jobID
	for _, b := range f.batches {
		handler(b)
	}
	return f.err
}

type APISuite struct {
	suite.Suite
	requester *fakeRequester
	logs      *fakeLogConsumer
	router    *gin.Engine
}

func (s *APISuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.requester = &fakeRequester{}
	s.logs = &fakeLogConsumer{}
	s.router = setupRouter("", &API{requester: s.requester, logs: s.logs, timeout: time.Minute})
}

func (s *APISuite) do(method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	return w
}

func (s *APISuite) TestPingRoute() {
	w := s.do(http.MethodGet, "/ping", nil)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(`{"message":"pong"}`, w.Body.String())
}

func (s *APISuite) TestRunJob() {
	s.requester.reply = json.RawMessage(`{"log":"done"}`)
	body := []byte(`{"resources":[{"type":"log","name":"hi"}]}`)

	w := s.do(http.MethodPost, "/jobs/collection?timeout=90s&memory_limit=512M", body)

	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"log":"done"}`, w.Body.String())
	s.Equal(hades.KindCollection, s.requester.got.Kind)
	s.Equal(90*time.Second, s.requester.got.Timeout)
	s.Equal("512M", s.requester.got.MemoryLimit)
	s.JSONEq(string(body), string(s.requester.got.Payload))
	s.Equal(s.requester.got.ID.String(), w.Header().Get(hadesnats.HeaderJobID))
}

func (s *APISuite) TestRunJob_NotExposed() {
	for _, kind := range []string{"check_recipe", "bootstrap"} {
		w := s.do(http.MethodPost, "/jobs/"+kind, []byte(`"resources: []"`))

		s.Equal(http.StatusNotFound, w.Code, kind)
		var body payload.ErrorBody
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
		s.Equal("UnknownOperation", body.Kind)
	}
	s.Zero(s.requester.calls)
}

func (s *APISuite) TestRunJob_InvalidInput() {
	w := s.do(http.MethodPost, "/jobs/recipe", []byte(`{not json`))
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/jobs/recipe?timeout=soon", []byte(`"resources: []"`))
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/jobs/recipe?memory_limit=lots", []byte(`"resources: []"`))
	s.Equal(http.StatusBadRequest, w.Code)
	s.Contains(w.Body.String(), "InvalidMemoryLimit")

	s.Zero(s.requester.calls)
}

func (s *APISuite) TestRunJob_EmptyBody() {
	s.requester.reply = json.RawMessage(`{"log":""}`)

	w := s.do(http.MethodPost, "/jobs/converge", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Empty(s.requester.got.Payload)
}

func (s *APISuite) TestRunJob_Errors() {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{
			name: "domain failure",
			err: &hades.JobError{Code: hades.CodeDomainFailure, Body: payload.ErrorBody{
				Class: payload.ClassDomain, Kind: "RecipeSyntaxError", Message: "bad", Log: "partial",
			}},
			wantCode: http.StatusBadRequest,
			wantKind: "RecipeSyntaxError",
		},
		{
			name: "infrastructure failure",
			err: &hades.JobError{Code: hades.CodeInfrastructure, Body: payload.ErrorBody{
				Class: payload.ClassInfrastructure, Kind: "AbnormalTermination", Message: "killed",
			}},
			wantCode: http.StatusInternalServerError,
			wantKind: "AbnormalTermination",
		},
		{"no agent", fmt.Errorf("requesting recipe: %w", hadesnats.ErrNoAgent), http.StatusServiceUnavailable, "NoAgent"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "Timeout"},
		{"other", errors.New("connection closed"), http.StatusBadGateway, "internal"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.requester.err = tt.err
			w := s.do(http.MethodPost, "/jobs/recipe", []byte(`"resources: []"`))

			s.Equal(tt.wantCode, w.Code)
			var body payload.ErrorBody
			s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
			s.Equal(tt.wantKind, body.Kind)
		})
	}
}

func (s *APISuite) TestStreamLogs() {
	id := uuid.New()
	s.logs.batches = []joblogs.Log{
		{JobID: id.String(), Kind: "recipe", Logs: []joblogs.LogEntry{{Message: "Processing log[hi] action write"}}},
		{JobID: id.String(), Kind: "recipe", Done: true},
	}

	w := s.do(http.MethodGet, "/jobs/"+id.String()+"/logs", nil)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(id.String(), s.logs.jobID)
	s.True(strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"), w.Header().Get("Content-Type"))
	out := w.Body.String()
	s.Contains(out, "event:log")
	s.Contains(out, "Processing log[hi] action write")
	s.Contains(out, "event:done")
	s.Less(strings.Index(out, "event:log"), strings.Index(out, "event:done"))
}

func (s *APISuite) TestStreamLogs_Error() {
	s.logs.err = errors.New("stream not found")

	w := s.do(http.MethodGet, "/jobs/"+uuid.NewString()+"/logs", nil)
	s.Contains(w.Body.String(), "event:error")
	s.Contains(w.Body.String(), "stream not found")
}

func (s *APISuite) TestStreamLogs_InvalidID() {
	w := s.do(http.MethodGet, "/jobs/not-a-uuid/logs", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func TestBasicAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := setupRouter("secret", &API{requester: &fakeRequester{}, logs: &fakeLogConsumer{}})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("hades", "secret")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
