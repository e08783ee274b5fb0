// Package models provides the data structures shared by the execution pipelines:
// inbound signals, filter records, orders and persisted execution attempts.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the ISO layout used for every expiration date handled by the engine.
const DateLayout = "2006-01-02"

// Direction is the side requested by a signal.
type Direction string

const (
	// DirectionBuy opens a long position
	DirectionBuy Direction = "BUY"
	// DirectionSell closes or shorts
	DirectionSell Direction = "SELL"
)

// ParseDirection normalizes free-form direction strings ("buy", "Bought", "sell").
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "BOUGHT", "BTO", "LONG":
		return DirectionBuy, nil
	case "SELL", "SOLD", "STC", "SHORT":
		return DirectionSell, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// OptionType is the right of an option contract.
type OptionType string

const (
	// OptionTypeCall is a call contract
	OptionTypeCall OptionType = "CALL"
	// OptionTypePut is a put contract
	OptionTypePut OptionType = "PUT"
)

// ParseOptionType accepts "call", "C", "puts" and similar spellings.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "CALLS", "C":
		return OptionTypeCall, nil
	case "PUT", "PUTS", "P":
		return OptionTypePut, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown option type %q", s)
	}
}

// Broker returns the lowercase spelling used by option chain rows.
func (o OptionType) Broker() string {
	return strings.ToLower(string(o))
}

// ExpirationKind discriminates the Expiration union.
type ExpirationKind int

const (
	// ExpirationNone means the signal carried no expiration at all
	ExpirationNone ExpirationKind = iota
	// ExpirationFull is a complete YYYY-MM-DD date
	ExpirationFull
	// ExpirationPartial is a date missing one or more components
	ExpirationPartial
)

func (k ExpirationKind) String() string {
	switch k {
	case ExpirationFull:
		return "full"
	case ExpirationPartial:
		return "partial"
	default:
		return "none"
	}
}

// PartialDate is an expiration with optional components. At least one is set.
type PartialDate struct {
	Year  *int `json:"year,omitempty"`
	Month *int `json:"month,omitempty"`
	Day   *int `json:"day,omitempty"`
}

// HasMonthDay reports whether both month and day are known.
func (p PartialDate) HasMonthDay() bool {
	return p.Month != nil && p.Day != nil
}

// IsComplete reports whether all three components are known.
func (p PartialDate) IsComplete() bool {
	return p.Year != nil && p.HasMonthDay()
}

func (p PartialDate) String() string {
	part := func(v *int, width int) string {
		if v == nil {
			return strings.Repeat("?", width)
		}
		return fmt.Sprintf("%0*d", width, *v)
	}
	return part(p.Year, 4) + "-" + part(p.Month, 2) + "-" + part(p.Day, 2)
}

// Expiration is a tagged union: no date, a full date, or a partial date.
type Expiration struct {
	Kind    ExpirationKind
	Full    string
	Partial PartialDate
}

// FullExpiration builds a complete expiration. The date must be YYYY-MM-DD.
func FullExpiration(date string) Expiration {
	return Expiration{Kind: ExpirationFull, Full: date}
}

// PartialExpiration builds a partial expiration from optional components.
func PartialExpiration(year, month, day *int) Expiration {
	return Expiration{Kind: ExpirationPartial, Partial: PartialDate{Year: year, Month: month, Day: day}}
}

// IntPtr is a small helper for building partial dates.
func IntPtr(v int) *int { return &v }

func (e Expiration) String() string {
	switch e.Kind {
	case ExpirationFull:
		return e.Full
	case ExpirationPartial:
		return e.Partial.String()
	default:
		return ""
	}
}

// UnmarshalJSON accepts null, a date string ("2025-03-21", "03/21", "3/21/25",
// "2025-03"), or an object {"year":..,"month":..,"day":..}.
func (e *Expiration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = Expiration{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseExpiration(s)
		if err != nil {
			return err
		}
		*e = parsed
		return nil
	}
	var p PartialDate
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("expiration must be a date string or {year,month,day}: %w", err)
	}
	if p.Year == nil && p.Month == nil && p.Day == nil {
		*e = Expiration{}
		return nil
	}
	if p.IsComplete() {
		*e = FullExpiration(fmt.Sprintf("%04d-%02d-%02d", *p.Year, *p.Month, *p.Day))
		return e.validateFull()
	}
	*e = Expiration{Kind: ExpirationPartial, Partial: p}
	return nil
}

// MarshalJSON writes full dates as strings and partial dates as objects.
func (e Expiration) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case ExpirationFull:
		return json.Marshal(e.Full)
	case ExpirationPartial:
		return json.Marshal(e.Partial)
	default:
		return []byte("null"), nil
	}
}

func (e Expiration) validateFull() error {
	if _, err := time.Parse(DateLayout, e.Full); err != nil {
		return fmt.Errorf("invalid expiration date %q: %w", e.Full, err)
	}
	return nil
}

// ParseExpiration converts the date spellings seen in alerts into the union.
func ParseExpiration(s string) (Expiration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Expiration{}, nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return FullExpiration(t.Format(DateLayout)), nil
	}

	sep := "/"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Expiration{}, fmt.Errorf("invalid expiration %q", s)
		}
		nums = append(nums, n)
	}

	switch {
	case len(nums) == 2 && sep == "-" && nums[0] > 31:
		// YYYY-MM
		return PartialExpiration(IntPtr(nums[0]), IntPtr(nums[1]), nil), checkMonthDay(nums[1], 1, s)
	case len(nums) == 2:
		// MM/DD
		return PartialExpiration(nil, IntPtr(nums[0]), IntPtr(nums[1])), checkMonthDay(nums[0], nums[1], s)
	case len(nums) == 3:
		// MM/DD/YY or MM/DD/YYYY
		year := nums[2]
		if year < 100 {
			year += 2000
		}
		if err := checkMonthDay(nums[0], nums[1], s); err != nil {
			return Expiration{}, err
		}
		exp := FullExpiration(fmt.Sprintf("%04d-%02d-%02d", year, nums[0], nums[1]))
		return exp, exp.validateFull()
	case len(nums) == 1 && nums[0] >= 1 && nums[0] <= 12:
		return PartialExpiration(nil, IntPtr(nums[0]), nil), nil
	default:
		return Expiration{}, fmt.Errorf("invalid expiration %q", s)
	}
}

func checkMonthDay(month, day int, raw string) error {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return fmt.Errorf("invalid expiration %q: month/day out of range", raw)
	}
	return nil
}

// SizeKind discriminates the RequestedSize union.
type SizeKind int

const (
	// SizeDefault means no size was requested
	SizeDefault SizeKind = iota
	// SizeContracts is an explicit contract count
	SizeContracts
	// SizeLotto selects the lotto budget tier
	SizeLotto
	// SizeTestSentinel forces a single contract
	SizeTestSentinel
)

// TestSentinelSize is the requested size that switches sizing into testing mode.
const TestSentinelSize = 9999

// RequestedSize is what the signal asked for: a count, "lotto", or the test sentinel.
type RequestedSize struct {
	Kind      SizeKind
	Contracts int
}

// Contracts returns a RequestedSize for an explicit count.
func Contracts(n int) RequestedSize {
	if n == TestSentinelSize {
		return RequestedSize{Kind: SizeTestSentinel, Contracts: n}
	}
	return RequestedSize{Kind: SizeContracts, Contracts: n}
}

// Lotto returns the lotto size tier.
func Lotto() RequestedSize { return RequestedSize{Kind: SizeLotto} }

// IsLotto reports whether the lotto tier was requested.
func (r RequestedSize) IsLotto() bool { return r.Kind == SizeLotto }

// IsTestSentinel reports whether the testing sentinel was requested.
func (r RequestedSize) IsTestSentinel() bool { return r.Kind == SizeTestSentinel }

func (r RequestedSize) String() string {
	switch r.Kind {
	case SizeContracts, SizeTestSentinel:
		return strconv.Itoa(r.Contracts)
	case SizeLotto:
		return "lotto"
	default:
		return ""
	}
}

// UnmarshalJSON accepts an integer, a numeric string, or "lotto".
func (r *RequestedSize) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = RequestedSize{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return r.parse(s)
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("size must be a number or \"lotto\": %w", err)
	}
	*r = Contracts(int(n))
	return nil
}

func (r *RequestedSize) parse(s string) error {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		*r = RequestedSize{}
	case "lotto":
		*r = Lotto()
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid size %q", s)
		}
		*r = Contracts(n)
	}
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (r RequestedSize) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case SizeContracts, SizeTestSentinel:
		return json.Marshal(r.Contracts)
	case SizeLotto:
		return json.Marshal("lotto")
	default:
		return []byte("null"), nil
	}
}

// Signal is one trading intent as received from an alert source.
type Signal struct {
	ID            string        `json:"id,omitempty"`
	Ticker        string        `json:"ticker"`
	Direction     Direction     `json:"direction"`
	OptionType    *OptionType   `json:"option_type,omitempty"`
	Strike        *float64      `json:"strike,omitempty"`
	PurchasePrice *float64      `json:"purchase_price,omitempty"`
	Expiration    Expiration    `json:"expiration"`
	RequestedSize RequestedSize `json:"size"`
	Title         string        `json:"signal_title,omitempty"`
}

// UnmarshalJSON normalizes direction and option type spellings.
func (s *Signal) UnmarshalJSON(b []byte) error {
	type rawSignal struct {
		ID            string        `json:"id"`
		Ticker        string        `json:"ticker"`
		Direction     string        `json:"direction"`
		OptionType    string        `json:"option_type"`
		Strike        *float64      `json:"strike"`
		PurchasePrice *float64      `json:"purchase_price"`
		Expiration    Expiration    `json:"expiration"`
		RequestedSize RequestedSize `json:"size"`
		Title         string        `json:"signal_title"`
	}
	var raw rawSignal
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	dir, err := ParseDirection(raw.Direction)
	if err != nil {
		return err
	}
	ot, err := ParseOptionType(raw.OptionType)
	if err != nil {
		return err
	}
	*s = Signal{
		ID:            raw.ID,
		Ticker:        strings.ToUpper(strings.TrimSpace(raw.Ticker)),
		Direction:     dir,
		Strike:        raw.Strike,
		PurchasePrice: raw.PurchasePrice,
		Expiration:    raw.Expiration,
		RequestedSize: raw.RequestedSize,
		Title:         raw.Title,
	}
	if ot != "" {
		s.OptionType = &ot
	}
	return nil
}

// Price returns the purchase price or zero.
func (s *Signal) Price() float64 {
	if s.PurchasePrice == nil {
		return 0
	}
	return *s.PurchasePrice
}

// StrikeValue returns the strike or zero.
func (s *Signal) StrikeValue() float64 {
	if s.Strike == nil {
		return 0
	}
	return *s.Strike
}

// OptionTypeValue returns the option type or "".
func (s *Signal) OptionTypeValue() OptionType {
	if s.OptionType == nil {
		return ""
	}
	return *s.OptionType
}
