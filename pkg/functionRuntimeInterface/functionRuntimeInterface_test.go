package functionRuntimeInterface

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseRuntimeAPI(t *testing.T) {
	tests := []struct {
		api      string
		worker   string
		function string
		base     string
	}{
		{api: "127.0.0.1:12557/w1/fn1", worker: "w1", function: "fn1", base: "127.0.0.1:12557/w1/fn1"},
		{api: "http://localhost:9001/w1/fn1/", worker: "w1", function: "fn1", base: "localhost:9001/w1/fn1"},
		{api: "127.0.0.1:9001", base: "127.0.0.1:9001"},
	}
	for _, tt := range tests {
		t.Run(tt.api, func(t *testing.T) {
			s := parseRuntimeAPI(tt.api)
			assert.Equal(t, tt.worker, s.workerID)
			assert.Equal(t, tt.function, s.functionID)
			assert.Equal(t, tt.base, s.runtimeAPI)
		})
	}
}

func TestNewFromEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:12557/w1/fn1")
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "echo")

	f, err := New()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:12557/w1/fn1/2018-06-01/runtime", f.baseURL)
	assert.Equal(t, "echo", f.settings.functionName)
}

func TestNewWithoutEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	_, err := New()
	assert.Error(t, err)
}

func TestToErrorPayload(t *testing.T) {
	typed := &ErrorPayload{ErrorType: "Custom", ErrorMessage: "custom"}
	assert.Same(t, typed, toErrorPayload(typed))
	assert.Same(t, typed, toErrorPayload(errors.Join(errors.New("outer"), typed)))

	e := toErrorPayload(errors.New("boom"))
	assert.Equal(t, "errors.errorString", e.ErrorType)
	assert.Equal(t, "boom", e.ErrorMessage)
}

// fakeRuntime serves one invocation and records what the function posts.
type fakeRuntime struct {
	mu        sync.Mutex
	served    bool
	posts     map[string]string
	errorType string
}

func (f *fakeRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasSuffix(r.URL.Path, "/invocation/next") {
		if f.served {
			w.WriteHeader(http.StatusGone)
			return
		}
		f.served = true
		w.Header().Set("Lambda-Runtime-Aws-Request-Id", "req-1")
		w.Header().Set("Lambda-Runtime-Deadline-Ms", "4102444800000")
		w.Header().Set("Lambda-Runtime-Invoked-Function-Arn", "arn:fn")
		w.Header().Set("Lambda-Runtime-Cognito-Identity", `{"cognitoIdentityId":"id-1"}`)
		w.Header().Set("Lambda-Runtime-Client-Context", "null")
		_, _ = w.Write([]byte(`{"n":1}`))
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.posts[r.URL.Path] = string(body)
	f.errorType = r.Header.Get("Lambda-Runtime-Function-Error-Type")
	w.WriteHeader(http.StatusAccepted)
}

func newFakeRuntime(t *testing.T) (*fakeRuntime, *Function) {
	t.Helper()
	fake := &fakeRuntime{posts: map[string]string{}}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)
	return fake, NewWithAddress(strings.TrimPrefix(ts.URL, "http://")+"/w1/fn1", testLogger())
}

func TestServeResponds(t *testing.T) {
	fake, f := newFakeRuntime(t)

	var got *Request
	var lc *lambdacontext.LambdaContext
	var deadline time.Time
	err := f.Serve(context.Background(), func(ctx context.Context, req *Request) (*Response, error) {
		got = req
		lc, _ = lambdacontext.FromContext(ctx)
		deadline, _ = ctx.Deadline()
		return &Response{Data: []byte(`{"ok":true}`)}, nil
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "req-1", got.Id)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))
	assert.Equal(t, "arn:fn", got.InvokedFunctionArn)
	assert.Equal(t, "id-1", got.Identity.CognitoIdentityID)
	assert.Equal(t, time.UnixMilli(4102444800000), got.Deadline)
	assert.Equal(t, time.UnixMilli(4102444800000), deadline)
	require.NotNil(t, lc)
	assert.Equal(t, "req-1", lc.AwsRequestID)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.JSONEq(t, `{"ok":true}`, fake.posts["/w1/fn1/2018-06-01/runtime/invocation/req-1/response"])
}

func TestServeReportsErrors(t *testing.T) {
	fake, f := newFakeRuntime(t)

	err := f.Serve(context.Background(), func(context.Context, *Request) (*Response, error) {
		return nil, &ErrorPayload{ErrorType: "ValidationError", ErrorMessage: "bad input"}
	})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	var posted ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(fake.posts["/w1/fn1/2018-06-01/runtime/invocation/req-1/error"]), &posted))
	assert.Equal(t, "ValidationError", posted.ErrorType)
	assert.Equal(t, "bad input", posted.ErrorMessage)
	assert.Equal(t, "ValidationError", fake.errorType)
}

func TestNextStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusGone, want: ErrDrained},
		{status: http.StatusConflict, want: ErrBusy},
		{status: http.StatusNotFound, want: ErrUnknownWorker},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			f := NewWithAddress(strings.TrimPrefix(ts.URL, "http://")+"/w1/fn1", testLogger())
			_, err := f.Next(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer ts.Close()
	f := NewWithAddress(strings.TrimPrefix(ts.URL, "http://")+"/w1/fn1", testLogger())
	_, err := f.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "broken")
}

func TestPostRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer ts.Close()

	f := NewWithAddress(strings.TrimPrefix(ts.URL, "http://")+"/w1/fn1", testLogger())
	err := f.Respond(context.Background(), "req-1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "413")
}
