package besmart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coder89/ha-besmart/internal/clock"
)

const (
	testUserID = "12345"
	testBoxID  = "box-1"
)

func loginBody() string {
	return fmt.Sprintf(`{"error_code":"0","error_message":"","message":{"user":{"id":"%s"},"wifi_box":[{"id":"%s"},{"id":""}]}}`, testUserID, testBoxID)
}

func messageBody(message string) string {
	return fmt.Sprintf(`{"error_code":"0","error_message":"","message":%s}`, message)
}

// newTestClient points a client at a mock vendor server.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("user@example.com", "secret", zap.NewNop())
	client.baseURL = server.URL + "/"
	return client, server
}

func TestLogin(t *testing.T) {
	t.Run("returns box ids and stores the session", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.URL.Path, pathLogin)
			assert.Equal(t, "user@example.com", r.URL.Query().Get("username"))
			assert.Equal(t, "secret", r.URL.Query().Get("password"))
			fmt.Fprint(w, loginBody())
		}))

		boxes, err := client.Login(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{testBoxID}, boxes)

		sess := client.currentSession()
		require.NotNil(t, sess)
		assert.Equal(t, testUserID, sess.userID)
	})

	t.Run("vendor error code means bad credentials", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error_code":"6","error_message":"invalid credentials","message":null}`)
		}))

		_, err := client.Login(context.Background())
		assert.ErrorIs(t, err, ErrAuth)
		assert.Nil(t, client.currentSession())
	})

	t.Run("http 401 means bad credentials", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))

		_, err := client.Login(context.Background())
		assert.ErrorIs(t, err, ErrAuth)
	})

	t.Run("server error means unavailable", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error_code":"1","error_message":"boom","message":null}`)
		}))

		_, err := client.Login(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("unreachable server means unavailable", func(t *testing.T) {
		client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		_, err := client.Login(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("a cancelled caller does not poison the shared flight", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, loginBody())
		}))

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		boxes, err := client.Login(cancelled)
		require.NoError(t, err)
		assert.Equal(t, []string{testBoxID}, boxes)
	})

	t.Run("missing user id means unavailable", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, messageBody(`{"user":{"id":""},"wifi_box":[]}`))
		}))

		_, err := client.Login(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestLoginSingleFlight(t *testing.T) {
	var logins atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, loginBody())
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Login(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), logins.Load(), "concurrent callers should share one login")
}

func TestThermostatRetriesOnceAfterRejectedToken(t *testing.T) {
	var logins, dataCalls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("username") {
			logins.Add(1)
			fmt.Fprint(w, loginBody())
			return
		}

		if dataCalls.Add(1) == 1 {
			fmt.Fprint(w, `{"error_code":"6","error_message":"token expired","message":null}`)
			return
		}
		fmt.Fprint(w, messageBody(`{"mode":"1","temperature":"21.0"}`))
	}))

	data, err := client.Thermostat(context.Background(), testBoxID, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "1", data.Mode)

	assert.Equal(t, int64(2), logins.Load(), "expired token should trigger exactly one re-login")
	assert.Equal(t, int64(2), dataCalls.Load())
}

func TestThermostatDoesNotRetryTwice(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("username") {
			fmt.Fprint(w, loginBody())
			return
		}
		fmt.Fprint(w, `{"error_code":"6","error_message":"token expired","message":null}`)
	}))

	_, err := client.Thermostat(context.Background(), testBoxID, "t-1")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Nil(t, client.currentSession(), "persistent auth failure should leave no session")
}

func TestDevicesCaching(t *testing.T) {
	var fetches atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("username") {
			fmt.Fprint(w, loginBody())
			return
		}
		fetches.Add(1)
		fmt.Fprint(w, messageBody(`{"boiler":{"id":"b-1"},"thermostat":[{"id":"t-1","name":"Living Room"},{"id":""}]}`))
	}))

	clk := clock.NewMockClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	client.clk = clk

	first, err := client.Devices(context.Background(), testBoxID)
	require.NoError(t, err)
	require.Len(t, first.Thermostats, 1, "empty thermostat records should be dropped")
	assert.Equal(t, "t-1", first.Thermostats[0].ID)
	require.NotNil(t, first.Boiler)

	t.Run("served from cache inside the TTL", func(t *testing.T) {
		clk.Advance(60 * time.Second)
		_, err := client.Devices(context.Background(), testBoxID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), fetches.Load())
	})

	t.Run("refetched after the TTL", func(t *testing.T) {
		clk.Advance(90 * time.Second)
		_, err := client.Devices(context.Background(), testBoxID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), fetches.Load())
	})
}

func TestSetThermostatTemperature(t *testing.T) {
	var form map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("username") {
			fmt.Fprint(w, loginBody())
			return
		}

		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}
		fmt.Fprint(w, messageBody(`{}`))
	}))

	err := client.SetThermostatTemperature(context.Background(), testBoxID, "t-1", 21.5, MarkerComfort)
	require.NoError(t, err)

	assert.Equal(t, "21", form["integer_part"])
	assert.Equal(t, "5", form["fraction_part"])
	assert.Equal(t, "2", form["temp_mode"])
	assert.Equal(t, testBoxID, form["wifi_box_id"])
	assert.Equal(t, "t-1", form["thermostat_id"])
	assert.Equal(t, testUserID, form["user_id"])
	assert.Equal(t, apiToken, form["token"])
}

func TestSetThermostatSeason(t *testing.T) {
	var form map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Has("username"):
			fmt.Fprint(w, loginBody())
		case r.Method == http.MethodGet:
			fmt.Fprint(w, messageBody(`{"unit":"0","season":"1","min_heating_set_point":"5","max_heating_set_point":"35","sensor_influence":"0","climatic_curve":"0"}`))
		default:
			require.NoError(t, r.ParseForm())
			form = map[string]string{}
			for key := range r.PostForm {
				form[key] = r.PostForm.Get(key)
			}
			fmt.Fprint(w, messageBody(`{}`))
		}
	}))

	err := client.SetThermostatSeason(context.Background(), testBoxID, "t-1", SeasonCool)
	require.NoError(t, err)

	assert.Equal(t, "0", form["season"], "season should be replaced")
	assert.Equal(t, "5", form["min_heating_set_point"], "other settings should round-trip unchanged")
	assert.Equal(t, "35", form["max_heating_set_point"])
}

func TestSetHolidayEndTime(t *testing.T) {
	var form map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("username") {
			fmt.Fprint(w, loginBody())
			return
		}
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}
		fmt.Fprint(w, messageBody(`{}`))
	}))

	end := time.Date(2026, 2, 1, 18, 30, 0, 0, time.UTC)
	require.NoError(t, client.SetHolidayEndTime(context.Background(), testBoxID, "t-1", end))
	assert.Equal(t, fmt.Sprintf("%d", end.Unix()), form["holiday_end_time"])
}

func TestProgramReturnsRawGrid(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("username") {
			fmt.Fprint(w, loginBody())
			return
		}
		fmt.Fprint(w, messageBody(`[["2","2","1"]]`))
	}))

	raw, err := client.Program(context.Background(), testBoxID, "t-1", 0)
	require.NoError(t, err)

	var grid [][]string
	require.NoError(t, json.Unmarshal(raw, &grid))
	assert.Equal(t, [][]string{{"2", "2", "1"}}, grid)
}
