package equity

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/eddiefleurent/signal_executor/internal/executor"
	"github.com/eddiefleurent/signal_executor/internal/models"
)

// Signal is a raw price alert for shares.
type Signal struct {
	ID        string           `json:"id,omitempty"`
	Symbol    string           `json:"ticker"`
	Direction models.Direction `json:"direction"`
	Price     float64          `json:"price"`
	// Quantity is the number of shares; zero uses the configured default
	Quantity int    `json:"quantity,omitempty"`
	Title    string `json:"signal_title,omitempty"`
}

// UnmarshalJSON accepts "symbol" as an alias for "ticker" and free-form directions.
func (s *Signal) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID        string  `json:"id"`
		Ticker    string  `json:"ticker"`
		Symbol    string  `json:"symbol"`
		Direction string  `json:"direction"`
		Price     float64 `json:"price"`
		Quantity  int     `json:"quantity"`
		Title     string  `json:"signal_title"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	dir, err := models.ParseDirection(raw.Direction)
	if err != nil {
		return err
	}
	symbol := raw.Ticker
	if symbol == "" {
		symbol = raw.Symbol
	}
	*s = Signal{
		ID:        raw.ID,
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Direction: dir,
		Price:     raw.Price,
		Quantity:  raw.Quantity,
		Title:     raw.Title,
	}
	return nil
}

// Validate reports missing or unusable fields.
func (s Signal) Validate() error {
	var missing []string
	if strings.TrimSpace(s.Symbol) == "" {
		missing = append(missing, "ticker")
	}
	if s.Direction == "" {
		missing = append(missing, "direction")
	}
	if s.Price == 0 {
		missing = append(missing, "price")
	}
	if len(missing) > 0 {
		return &executor.MissingFieldError{Fields: missing}
	}
	if s.Price < 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
		return fmt.Errorf("price must be positive, got %v", s.Price)
	}
	if s.Quantity < 0 {
		return fmt.Errorf("quantity must be positive, got %d", s.Quantity)
	}
	return nil
}

// record converts the alert into the shape the attempt recorder stores.
func (s Signal) record(qty int) *models.Signal {
	price := s.Price
	return &models.Signal{
		ID:            s.ID,
		Ticker:        s.Symbol,
		Direction:     s.Direction,
		PurchasePrice: &price,
		RequestedSize: models.Contracts(qty),
		Title:         s.Title,
	}
}
