package redsea_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchfish/dailytask/internal/redsea"
	"github.com/touchfish/dailytask/internal/resilience"
)

const (
	testSecret  = "app-secret"
	testLoginID = "E12345"
	ssoToken    = "one-shot-token"
)

// fakePortal mimics the attendance portal: signed SSO token issuance,
// cookie-based sessions and form endpoints with the state envelope.
type fakePortal struct {
	t *testing.T

	loginCalls  atomic.Int64
	punchCalls  atomic.Int64
	dropSession atomic.Bool
}

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()

	respond := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	authorized := func(r *http.Request) bool {
		_, err := r.Cookie("JSESSIONID")
		return err == nil && !p.dropSession.Load()
	}

	mux.HandleFunc("/RedseaPlatform/vwork/third/api/sso.mob", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("method") {
		case "createtoken":
			sum := md5.Sum([]byte(testSecret + "&" + q.Get("loginId") + "&" + q.Get("timestamp")))
			if q.Get("sign") != hex.EncodeToString(sum[:]) {
				respond(w, map[string]any{"state": "0", "meg": "bad sign"})
				return
			}
			respond(w, map[string]any{"state": "1", "result": ssoToken})
		case "oauthLogin":
			if q.Get("token") != ssoToken {
				respond(w, map[string]any{"state": "0", "tipMsg": "bad token"})
				return
			}
			p.loginCalls.Add(1)
			p.dropSession.Store(false)
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "session-1", Path: "/"})
			respond(w, map[string]any{"state": "1"})
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/RedseaPlatform/PtUsers.mc", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			// The portal answers with an empty body when there is no session.
			return
		}
		respond(w, map[string]any{"userId": "u-1", "userName": "张三", "staffId": "12345"})
	})

	mux.HandleFunc("/RedseaPlatform/kqCommonDaka.mc", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(p.t, "daka", r.URL.Query().Get("method"))
		if !authorized(r) {
			respond(w, map[string]any{"state": "Nosession"})
			return
		}
		require.NoError(p.t, r.ParseForm())
		p.punchCalls.Add(1)
		respond(w, map[string]any{"state": "1", "result": map[string]any{"msg": "打卡成功"}})
	})

	mux.HandleFunc("/RedseaPlatform/dingDingKqInteface.mc", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(p.t, "getDayTeam", r.URL.Query().Get("method"))
		if !authorized(r) {
			respond(w, map[string]any{"state": "Nosession"})
			return
		}
		require.Equal(p.t, "u-1", r.FormValue("userId"))
		respond(w, map[string]any{"state": "1", "result": map[string]any{
			"kqCountSimple": map[string]any{
				"sbDkTime":     "08:58",
				"sbStatusName": "正常",
				"xbDkTime":     "18:03",
				"xbStatusName": "迟到",
			},
		}})
	})

	return mux
}

func newClient(t *testing.T, baseURL string) *redsea.Client {
	t.Helper()
	client, err := redsea.New(redsea.Options{
		BaseURL:   baseURL,
		UserAgent: "test-agent",
		AppSecret: testSecret,
		LoginID:   testLoginID,
		AgentID:   "agent-1",
		Longitude: []string{"113.9451", "113.9452"},
		Latitude:  []string{"22.5405"},
		Address:   "南山区",
	}, resilience.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}, nil)
	require.NoError(t, err)
	return client
}

func TestPunchCardLogsInAndPunches(t *testing.T) {
	t.Parallel()

	portal := &fakePortal{t: t}
	portal.dropSession.Store(true)
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	client := newClient(t, srv.URL)

	result, err := client.PunchCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "打卡成功", result.Msg)
	assert.Equal(t, int64(1), portal.loginCalls.Load())
	assert.Equal(t, int64(1), portal.punchCalls.Load())
}

func TestPunchCardRecoversFromExpiredSession(t *testing.T) {
	t.Parallel()

	portal := &fakePortal{t: t}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	client := newClient(t, srv.URL)

	// First punch establishes a session.
	_, err := client.PunchCard(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), portal.loginCalls.Load())

	// The portal drops the session; the next punch must log in again.
	portal.dropSession.Store(true)

	result, err := client.PunchCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "打卡成功", result.Msg)
	assert.Equal(t, int64(2), portal.loginCalls.Load())
}

func TestDayState(t *testing.T) {
	t.Parallel()

	portal := &fakePortal{t: t}
	portal.dropSession.Store(true)
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	client := newClient(t, srv.URL)

	day, err := client.DayState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "08:58", day.StartTime())
	assert.Equal(t, "正常", day.StartStatus())
	assert.Equal(t, "18:03", day.EndTime())
	assert.Equal(t, "迟到", day.EndStatus())
}

func TestConcurrentCallsSurviveSessionExpiry(t *testing.T) {
	t.Parallel()

	portal := &fakePortal{t: t}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	client := newClient(t, srv.URL)

	// Overlapping calls while the portal keeps dropping the session must
	// not panic or deadlock, even when retries are exhausted mid-flight.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if (n+j)%3 == 0 {
					portal.dropSession.Store(true)
				}
				_, _ = client.DayState(context.Background())
				_, _ = client.PunchCard(context.Background())
			}
		}(i)
	}
	wg.Wait()

	// The client recovers once the churn stops.
	day, err := client.DayState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "08:58", day.StartTime())
}

func TestDayCountHelpers(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		day         redsea.DayCount
		startTime   string
		startStatus string
		endTime     string
		endStatus   string
	}{
		{
			name:        "empty day defaults statuses",
			day:         redsea.DayCount{},
			startStatus: "正常",
			endStatus:   "正常",
		},
		{
			name:        "second column set",
			day:         redsea.DayCount{SbDkTime2: "09:10", SbStatusName2: "迟到", XbDkTime3: "18:30"},
			startTime:   "09:10",
			startStatus: "迟到",
			endTime:     "18:30",
			endStatus:   "正常",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.startTime, tc.day.StartTime())
			assert.Equal(t, tc.startStatus, tc.day.StartStatus())
			assert.Equal(t, tc.endTime, tc.day.EndTime())
			assert.Equal(t, tc.endStatus, tc.day.EndStatus())
		})
	}
}
