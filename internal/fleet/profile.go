package fleet

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Profile is a normalized fleet driver record. It is never stored as is;
// reconciliation copies its attributes onto a local driver.
type Profile struct {
	DriverID        string
	Name            string
	Callsign        string
	CarModel        string
	Phone           string
	Balance         float64
	LastTransaction *time.Time
	CreatedAt       *time.Time
	WorkStatus      string
	Status          string
}

// Number accepts JSON numbers and numeric strings; the API sends balances
// and prices as strings. Anything unparseable decodes to zero.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = Number(f)
	return nil
}

type rawDriverProfile struct {
	ID          string   `json:"id"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Phones      []string `json:"phones"`
	WorkStatus  string   `json:"work_status"`
	CreatedDate string   `json:"created_date"`
}

type rawCar struct {
	Brand    string `json:"brand"`
	Model    string `json:"model"`
	Number   string `json:"number"`
	Callsign string `json:"callsign"`
}

type rawAccount struct {
	Balance             Number `json:"balance"`
	LastTransactionDate string `json:"last_transaction_date"`
}

type rawStatus struct {
	Status string `json:"status"`
}

// rawProfile mirrors one entry of driver_profiles; every section may be null.
type rawProfile struct {
	DriverProfile *rawDriverProfile `json:"driver_profile"`
	Car           *rawCar           `json:"car"`
	Accounts      []rawAccount      `json:"accounts"`
	CurrentStatus *rawStatus        `json:"current_status"`
}

func (r rawProfile) createdAt() *time.Time {
	if r.DriverProfile == nil {
		return nil
	}
	return ParseTimestamp(r.DriverProfile.CreatedDate)
}

// Normalize flattens a raw entry. It reports false when the entry has no
// driver id; such records are skipped.
func Normalize(r rawProfile) (Profile, bool) {
	dp := r.DriverProfile
	if dp == nil || strings.TrimSpace(dp.ID) == "" {
		return Profile{}, false
	}
	p := Profile{
		DriverID:   strings.TrimSpace(dp.ID),
		Name:       joinNonEmpty(dp.FirstName, dp.LastName),
		WorkStatus: dp.WorkStatus,
		CreatedAt:  ParseTimestamp(dp.CreatedDate),
	}
	if len(dp.Phones) > 0 {
		p.Phone = dp.Phones[0]
	}
	if r.Car != nil {
		p.Callsign = strings.TrimSpace(r.Car.Callsign)
		p.CarModel = joinNonEmpty(r.Car.Brand, r.Car.Model)
	}
	if len(r.Accounts) > 0 {
		acc := r.Accounts[0]
		p.Balance = float64(acc.Balance)
		p.LastTransaction = ParseTimestamp(acc.LastTransactionDate)
	}
	if r.CurrentStatus != nil {
		p.Status = r.CurrentStatus.Status
	}
	return p, true
}

func joinNonEmpty(a, b string) string {
	return strings.TrimSpace(strings.TrimSpace(a) + " " + strings.TrimSpace(b))
}

// ParseTimestamp reads an API timestamp in UTC: strict RFC 3339 first, then
// a lenient parser for the odd formats the API produces. Unparseable input
// yields nil.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := dateparse.ParseIn(s, time.UTC); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}
