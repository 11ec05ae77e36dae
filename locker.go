package lockercycletest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DoorState is a locker door's polled physical state.
type DoorState string

const (
	DoorOpen    DoorState = "Open"
	DoorClosed  DoorState = "Closed"
	DoorUnknown DoorState = "Unknown"
)

// OccupancyState is a locker's binary occupancy sensor reading, wire name
// sensor_status.
type OccupancyState string

const (
	OccupancyEmpty    OccupancyState = "Empty"
	OccupancyOccupied OccupancyState = "Occupied"
	OccupancyUnknown  OccupancyState = "Unknown"
)

// LockerInfo is one locker's slice of the controller status response.
type LockerInfo struct {
	DoorOpen     bool           `json:"door_open"`
	SensorStatus OccupancyState `json:"sensor_status"`
}

// LockerStatus is the locker controller's aggregated status response, keyed
// by locker index.
type LockerStatus struct {
	Connected     bool                  `json:"connected"`
	Uptime        float64               `json:"uptime"`
	TotalCommands int                   `json:"total_commands"`
	Lockers       map[string]LockerInfo `json:"lockers"`
}

const lockerRequestTimeout = 5 * time.Second

// LockerClient talks to the locker controller's REST API. Construction does
// no I/O; Login must succeed before authenticated calls.
type LockerClient struct {
	baseURL  string
	password string
	client   *http.Client

	mu      sync.Mutex
	session string
}

func NewLockerClient(address, password string) *LockerClient {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &LockerClient{
		baseURL:  strings.TrimSuffix(base, "/"),
		password: password,
		client:   &http.Client{Timeout: lockerRequestTimeout},
	}
}

type loginResponse struct {
	Success bool   `json:"success"`
	Session string `json:"session"`
}

// Login authenticates and stores the session token used by later calls.
func (c *LockerClient) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"password": c.password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("locker login request: %w", err)
	}
	defer resp.Body.Close()

	var decoded loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if !decoded.Success || decoded.Session == "" {
		return fmt.Errorf("locker login rejected (status %d)", resp.StatusCode)
	}

	c.mu.Lock()
	c.session = decoded.Session
	c.mu.Unlock()
	return nil
}

// LoggedIn reports whether a session token is held.
func (c *LockerClient) LoggedIn() bool {
	return c.sessionToken() != ""
}

func (c *LockerClient) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

type openResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Open commands the indexed locker's door open. A nil return means the
// command was accepted, not that the door moved; poll DoorState for that.
func (c *LockerClient) Open(ctx context.Context, index int) error {
	session := c.sessionToken()
	if session == "" {
		return fmt.Errorf("locker open: not logged in")
	}
	url := fmt.Sprintf("%s/api/locker/%d/open", c.baseURL, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", "session="+session)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("locker open request: %w", err)
	}
	defer resp.Body.Close()

	var decoded openResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decoding open response: %w", err)
	}
	if !decoded.Success {
		if decoded.Error != "" {
			return fmt.Errorf("locker %d open rejected: %s", index, decoded.Error)
		}
		return fmt.Errorf("locker %d open rejected (status %d)", index, resp.StatusCode)
	}
	return nil
}

// Status fetches the controller's aggregated door and occupancy state.
func (c *LockerClient) Status(ctx context.Context) (*LockerStatus, error) {
	session := c.sessionToken()
	if session == "" {
		return nil, fmt.Errorf("locker status: not logged in")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", "session="+session)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("locker status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("locker status: unexpected status %d", resp.StatusCode)
	}

	var decoded LockerStatus
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &decoded, nil
}

// DoorState reports the indexed locker's door state from a status poll.
func (c *LockerClient) DoorState(ctx context.Context, index int) (DoorState, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return DoorUnknown, err
	}
	info, ok := st.Lockers[strconv.Itoa(index)]
	if !ok {
		return DoorUnknown, fmt.Errorf("locker %d not present in status response", index)
	}
	if info.DoorOpen {
		return DoorOpen, nil
	}
	return DoorClosed, nil
}

// Occupancy reports the indexed locker's occupancy sensor reading.
func (c *LockerClient) Occupancy(ctx context.Context, index int) (OccupancyState, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return OccupancyUnknown, err
	}
	info, ok := st.Lockers[strconv.Itoa(index)]
	if !ok {
		return OccupancyUnknown, fmt.Errorf("locker %d not present in status response", index)
	}
	if info.SensorStatus == "" {
		return OccupancyUnknown, nil
	}
	return info.SensorStatus, nil
}
