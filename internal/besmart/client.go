// Package besmart implements the client for the BeSMART cloud API (v1,
// id-keyed endpoints) that fronts Riello Wi-Fi boxes, their thermostats and
// the boiler.
package besmart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/coder89/ha-besmart/internal/clock"
)

const (
	defaultBaseURL = "https://api.besmart-home.com/BeSMART_release/v1/api/"

	// Shared API token appended to every authenticated read path. The
	// vendor ships the same value in all mobile app builds.
	apiToken = "a69157a524fdcf0246a58fc5767683c700c5b7b4"

	requestTimeout = 30 * time.Second
	catalogTTL     = 120 * time.Second

	// Vendor error code signalling rejected credentials or token.
	errCodeUnauthorized = "6"
)

// Endpoint path templates, relative to the API base URL.
const (
	pathLogin              = "iOS/users/login_new"
	pathBoxData            = "Android/Wifi_boxes/data/user_id/%s/wifi_box_id/%s/token/%s"
	pathThermostatData     = "Android/Thermostats/data/user_id/%s/wifi_box_id/%s/token/%s/thermostat_id/%s"
	pathThermostatProgram  = "Android/thermostats/program/user_id/%s/wifi_box_id/%s/thermostat_id/%s/day/%d/token/%s"
	pathThermostatSettings = "Android/thermostats/setting/user_id/%s/wifi_box_id/%s/token/%s/thermostat_id/%s"
	pathBoilerData         = "Android/Boilers/data/user_id/%s/wifi_box_id/%s/token/%s"

	pathSetTemperature    = "Android/Thermostats/temperature"
	pathSetAdvance        = "Android/Thermostats/advance"
	pathSetMode           = "Android/Thermostats/mode"
	pathSetHolidayEndTime = "Android/Thermostats/holiday_end_time"
	pathSetSettings       = "Android/Thermostats/setting"
	pathSetBoilerMode     = "Android/Boilers/work_mode"
	pathSetBoilerDHWTemp  = "Android/Boilers/dhw_target_temp"
)

// session holds the identity returned by a successful login. It is replaced
// wholesale on re-login and cleared on auth failure, never mutated in place.
type session struct {
	userID string
	boxes  []string
}

type catalogEntry struct {
	fetched time.Time
	devices *DeviceCatalog
}

// Client talks to the BeSMART cloud. All exported methods are safe for
// concurrent use; at most one login is in flight at any time and callers
// racing on an expired session share its result.
type Client struct {
	username   string
	password   string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	clk        clock.Clock

	sessMu sync.RWMutex
	sess   *session

	loginGroup singleflight.Group

	catalogMu sync.Mutex
	catalog   map[string]*catalogEntry
}

// NewClient creates a BeSMART cloud client for one account.
func NewClient(username, password string, logger *zap.Logger) *Client {
	return &Client{
		username:   username,
		password:   password,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.Named("besmart"),
		clk:        clock.NewRealClock(),
		catalog:    make(map[string]*catalogEntry),
	}
}

// Login authenticates and returns the ids of the controllable Wi-Fi boxes.
// It returns ErrAuth for rejected credentials and ErrUnavailable for
// connectivity or vendor failures; in both cases the session is cleared.
func (c *Client) Login(ctx context.Context) ([]string, error) {
	sess, err := c.loginShared(ctx)
	if err != nil {
		return nil, err
	}
	return sess.boxes, nil
}

// loginShared runs at most one login at a time; concurrent callers wait for
// and share the in-flight result. The login itself is detached from the
// triggering caller's context so a cancelled caller cannot fail the waiters
// sharing the flight.
func (c *Client) loginShared(ctx context.Context) (*session, error) {
	v, err, _ := c.loginGroup.Do("login", func() (interface{}, error) {
		loginCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return c.doLogin(loginCtx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (c *Client) doLogin(ctx context.Context) (*session, error) {
	c.setSession(nil)

	q := url.Values{
		"username": {c.username},
		"password": {c.password},
	}
	uri := c.baseURL + pathLogin + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building login request: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuth
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding login response: %v", ErrUnavailable, err)
	}
	if env.ErrorCode == errCodeUnauthorized {
		return nil, ErrAuth
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: login returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var msg loginMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed login payload: %v", ErrUnavailable, err)
	}
	if msg.User.ID == "" {
		return nil, fmt.Errorf("%w: login payload missing user id", ErrUnavailable)
	}

	sess := &session{userID: msg.User.ID}
	for _, box := range msg.WifiBox {
		if box.ID != "" {
			sess.boxes = append(sess.boxes, box.ID)
		}
	}

	c.setSession(sess)
	c.logger.Debug("logged in",
		zap.String("user_id", sess.userID),
		zap.Int("boxes", len(sess.boxes)))
	return sess, nil
}

func (c *Client) setSession(s *session) {
	c.sessMu.Lock()
	c.sess = s
	c.sessMu.Unlock()
}

func (c *Client) currentSession() *session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.sess
}

// ensureSession returns the current session, logging in first if absent.
func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	if sess := c.currentSession(); sess != nil {
		return sess, nil
	}
	return c.loginShared(ctx)
}

// Devices returns the boiler and thermostat list behind one box. Results are
// cached per box and refreshed after the catalog TTL elapses.
func (c *Client) Devices(ctx context.Context, boxID string) (*DeviceCatalog, error) {
	c.catalogMu.Lock()
	if entry, ok := c.catalog[boxID]; ok && c.clk.Since(entry.fetched) < catalogTTL {
		devices := entry.devices
		c.catalogMu.Unlock()
		return devices, nil
	}
	c.catalogMu.Unlock()

	raw, err := c.getMessage(ctx, func(sess *session) string {
		return fmt.Sprintf(pathBoxData, sess.userID, boxID, apiToken)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching devices for box %s: %w", boxID, err)
	}

	var catalog DeviceCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("%w: malformed device payload for box %s: %v", ErrUnavailable, boxID, err)
	}

	// The vendor pads the thermostat list with empty records.
	thermostats := catalog.Thermostats[:0]
	for _, t := range catalog.Thermostats {
		if t.ID != "" {
			thermostats = append(thermostats, t)
		}
	}
	catalog.Thermostats = thermostats

	c.catalogMu.Lock()
	c.catalog[boxID] = &catalogEntry{fetched: c.clk.Now(), devices: &catalog}
	c.catalogMu.Unlock()

	c.logger.Debug("device catalog refreshed",
		zap.String("box_id", boxID),
		zap.Int("thermostats", len(catalog.Thermostats)),
		zap.Bool("boiler", catalog.Boiler != nil))
	return &catalog, nil
}

// Thermostat returns the raw snapshot for one thermostat.
func (c *Client) Thermostat(ctx context.Context, boxID, thermostatID string) (*ThermostatData, error) {
	raw, err := c.getMessage(ctx, func(sess *session) string {
		return fmt.Sprintf(pathThermostatData, sess.userID, boxID, apiToken, thermostatID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching thermostat %s on box %s: %w", thermostatID, boxID, err)
	}

	var data ThermostatData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed thermostat payload for %s: %v", ErrUnavailable, thermostatID, err)
	}
	return &data, nil
}

// ThermostatSettings returns the raw settings for one thermostat.
func (c *Client) ThermostatSettings(ctx context.Context, boxID, thermostatID string) (*ThermostatSettings, error) {
	raw, err := c.getMessage(ctx, func(sess *session) string {
		return fmt.Sprintf(pathThermostatSettings, sess.userID, boxID, apiToken, thermostatID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching settings for thermostat %s on box %s: %w", thermostatID, boxID, err)
	}

	var settings ThermostatSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("%w: malformed settings payload for %s: %v", ErrUnavailable, thermostatID, err)
	}
	return &settings, nil
}

// Program returns the raw program grid for one day (Sunday=0).
func (c *Client) Program(ctx context.Context, boxID, thermostatID string, day int) (json.RawMessage, error) {
	raw, err := c.getMessage(ctx, func(sess *session) string {
		return fmt.Sprintf(pathThermostatProgram, sess.userID, boxID, thermostatID, day, apiToken)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching program for thermostat %s on box %s: %w", thermostatID, boxID, err)
	}
	return raw, nil
}

// Boiler returns the raw snapshot of the boiler behind one box.
func (c *Client) Boiler(ctx context.Context, boxID string) (*BoilerData, error) {
	raw, err := c.getMessage(ctx, func(sess *session) string {
		return fmt.Sprintf(pathBoilerData, sess.userID, boxID, apiToken)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching boiler for box %s: %w", boxID, err)
	}

	var data BoilerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed boiler payload for box %s: %v", ErrUnavailable, boxID, err)
	}
	return &data, nil
}

// SetThermostatMode switches the operating mode of one thermostat.
func (c *Client) SetThermostatMode(ctx context.Context, boxID, thermostatID string, mode Mode) error {
	return c.putForm(ctx, pathSetMode, func(sess *session) url.Values {
		return url.Values{
			"mode":          {strconv.Itoa(int(mode))},
			"wifi_box_id":   {boxID},
			"thermostat_id": {thermostatID},
		}
	})
}

// SetThermostatTemperature programs the set-point selected by marker. The
// value is split into the integer part and first decimal digit the wire
// format expects.
func (c *Client) SetThermostatTemperature(ctx context.Context, boxID, thermostatID string, value float64, marker Marker) error {
	integer, fraction := SplitTemperature(value)
	return c.putForm(ctx, pathSetTemperature, func(sess *session) url.Values {
		return url.Values{
			"integer_part":  {strconv.Itoa(integer)},
			"fraction_part": {strconv.Itoa(fraction)},
			"temp_mode":     {string(marker)},
			"wifi_box_id":   {boxID},
			"thermostat_id": {thermostatID},
		}
	})
}

// SetThermostatSeason switches a thermostat between heating and cooling. The
// settings endpoint expects the full settings record, so the current values
// are read first and submitted with the season replaced. There is no
// optimistic locking; a concurrent settings change from the vendor app loses.
func (c *Client) SetThermostatSeason(ctx context.Context, boxID, thermostatID string, season Season) error {
	settings, err := c.ThermostatSettings(ctx, boxID, thermostatID)
	if err != nil {
		return err
	}

	return c.putForm(ctx, pathSetSettings, func(sess *session) url.Values {
		return url.Values{
			"unit":                  {settings.Unit},
			"season":                {string(season)},
			"min_heating_set_point": {settings.MinHeatingSetPoint},
			"max_heating_set_point": {settings.MaxHeatingSetPoint},
			"sensor_influence":      {settings.SensorInfluence},
			"climatic_curve":        {settings.ClimaticCurve},
			"wifi_box_id":           {boxID},
			"thermostat_id":         {thermostatID},
		}
	})
}

// SetAdvance toggles the manual economy override used in AUTO mode.
func (c *Client) SetAdvance(ctx context.Context, boxID, thermostatID string, active bool) error {
	advance := "0"
	if active {
		advance = "1"
	}
	return c.putForm(ctx, pathSetAdvance, func(sess *session) url.Values {
		return url.Values{
			"advance":       {advance},
			"wifi_box_id":   {boxID},
			"thermostat_id": {thermostatID},
		}
	})
}

// SetHolidayEndTime sets the instant at which the advance override expires.
func (c *Client) SetHolidayEndTime(ctx context.Context, boxID, thermostatID string, end time.Time) error {
	return c.putForm(ctx, pathSetHolidayEndTime, func(sess *session) url.Values {
		return url.Values{
			"holiday_end_time": {strconv.FormatInt(end.Unix(), 10)},
			"wifi_box_id":      {boxID},
			"thermostat_id":    {thermostatID},
		}
	})
}

// SetBoilerMode switches the boiler work mode.
func (c *Client) SetBoilerMode(ctx context.Context, boxID, mode string) error {
	return c.putForm(ctx, pathSetBoilerMode, func(sess *session) url.Values {
		return url.Values{
			"mode":        {mode},
			"wifi_box_id": {boxID},
		}
	})
}

// SetBoilerTemperature sets the domestic hot water target. The boiler only
// accepts whole degrees.
func (c *Client) SetBoilerTemperature(ctx context.Context, boxID string, value float64) error {
	return c.putForm(ctx, pathSetBoilerDHWTemp, func(sess *session) url.Values {
		return url.Values{
			"temp":        {strconv.Itoa(int(value))},
			"wifi_box_id": {boxID},
		}
	})
}

// getMessage performs an authenticated GET and returns the message payload.
// A rejected token clears the session and the call is retried exactly once
// after one re-login.
func (c *Client) getMessage(ctx context.Context, path func(sess *session) string) (json.RawMessage, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := c.getOnce(ctx, path(sess))
	if errors.Is(err, ErrAuth) {
		c.setSession(nil)
		if sess, err = c.ensureSession(ctx); err != nil {
			return nil, err
		}
		raw, err = c.getOnce(ctx, path(sess))
	}
	return raw, err
}

func (c *Client) getOnce(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	return c.decodeEnvelope(resp)
}

// putForm performs an authenticated PUT with form-encoded data. The session
// identity fields are appended to the caller's values; a rejected token is
// retried once after re-login, like reads.
func (c *Client) putForm(ctx context.Context, path string, form func(sess *session) url.Values) error {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	err = c.putOnce(ctx, path, sess, form(sess))
	if errors.Is(err, ErrAuth) {
		c.setSession(nil)
		if sess, err = c.ensureSession(ctx); err != nil {
			return err
		}
		err = c.putOnce(ctx, path, sess, form(sess))
	}
	return err
}

func (c *Client) putOnce(ctx context.Context, path string, sess *session, values url.Values) error {
	values.Set("user_id", sess.userID)
	values.Set("id", sess.userID)
	values.Set("token", apiToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	_, err = c.decodeEnvelope(resp)
	return err
}

func (c *Client) decodeEnvelope(resp *http.Response) (json.RawMessage, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuth
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if env.ErrorCode == errCodeUnauthorized {
		return nil, ErrAuth
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, env.ErrorMessage)
	}
	return env.Message, nil
}
