package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/baaaht/dispatch/internal/logger"
	"github.com/baaaht/dispatch/pkg/ids"
	"github.com/baaaht/dispatch/pkg/router"
	"github.com/baaaht/dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()

	r, err := router.New(
		router.WithLogger(logger.NewNop()),
		router.WithIDManager(ids.NewManager(config.DefaultIdentifierConfig(), logger.NewNop())),
	)
	require.NoError(t, err)
	require.NoError(t, r.AddHandler(echoHandler()))
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

// splitOutput separates delivery results from reply envelopes
func splitOutput(t *testing.T, out string) ([]routeResult, []types.Envelope) {
	t.Helper()

	var results []routeResult
	var replies []types.Envelope
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var probe map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &probe), line)

		if _, ok := probe["delivery"]; ok {
			var res routeResult
			require.NoError(t, json.Unmarshal([]byte(line), &res))
			results = append(results, res)
			continue
		}
		var env types.Envelope
		require.NoError(t, json.Unmarshal([]byte(line), &env))
		replies = append(replies, env)
	}
	return results, replies
}

func TestRouteStream(t *testing.T) {
	r := newTestRouter(t)

	input := strings.Join([]string{
		`{"type":"ping"}`,
		`not json`,
		``,
		`{"type":"user_message","thread_id":"t1","payload":{"text":"hi"}}`,
		`{"type":"unknown"}`,
		`{"type":"user_message","thread_id":"t1","run_id":"run_t2_0a1b2c3d"}`,
	}, "\n")

	var out bytes.Buffer
	tx := newStdioTransport("stdio", &out)
	require.NoError(t, routeStream(context.Background(), r, tx, strings.NewReader(input), "alice", 1))

	results, replies := splitOutput(t, out.String())
	require.Len(t, results, 5)

	byLine := make(map[int]routeResult, len(results))
	for _, res := range results {
		byLine[res.Line] = res
	}

	assert.Equal(t, "handled", byLine[1].Delivery)
	assert.NotEmpty(t, byLine[1].ID)

	assert.Equal(t, "rejected", byLine[2].Delivery)
	assert.Contains(t, byLine[2].Error, "malformed envelope")

	assert.Equal(t, "handled", byLine[4].Delivery)
	assert.Equal(t, "t1", byLine[4].ThreadID)
	assert.True(t, strings.HasPrefix(byLine[4].RunID, "run_t1_"))

	assert.Equal(t, "no_handler", byLine[5].Delivery)
	assert.Empty(t, byLine[5].Error)

	assert.Equal(t, "rejected", byLine[6].Delivery)
	assert.NotEmpty(t, byLine[6].Error)

	require.Len(t, replies, 2)
	assert.Equal(t, types.MessageTypePong, replies[0].Type)
	assert.Equal(t, byLine[1].ID, replies[0].Metadata["reply_to"])
	assert.Equal(t, types.MessageTypeUser, replies[1].Type)
	assert.Equal(t, "alice", replies[1].UserID)
	assert.Equal(t, "hi", replies[1].Payload["text"])

	stats := r.Statistics()
	assert.Equal(t, uint64(2), stats.TotalMessages)
	assert.Equal(t, uint64(1), stats.Unhandled)
}

func TestRouteStreamWorkers(t *testing.T) {
	r := newTestRouter(t)

	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, `{"type":"ping","user_id":"bob"}`)
	}

	var out bytes.Buffer
	tx := newStdioTransport("stdio", &out)
	require.NoError(t, routeStream(context.Background(), r, tx, strings.NewReader(strings.Join(lines, "\n")), "alice", 8))

	results, replies := splitOutput(t, out.String())
	require.Len(t, results, 100)
	assert.Len(t, replies, 100)

	seen := make([]int, 0, len(results))
	for _, res := range results {
		assert.Equal(t, "handled", res.Delivery)
		seen = append(seen, res.Line)
	}
	sort.Ints(seen)
	for i, n := range seen {
		assert.Equal(t, i+1, n)
	}
	for _, env := range replies {
		assert.Equal(t, "bob", env.UserID)
	}
}

func TestServeMux(t *testing.T) {
	r := newTestRouter(t)

	srv := httptest.NewServer(newServeMux(r, true, "/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, "running", stats["state"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, r.Stop(context.Background()))
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
