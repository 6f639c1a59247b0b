package gateway

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

// ErrNoRate возвращается, если для валюты нет курса к валюте расчётов.
var ErrNoRate = fmt.Errorf("%w: no conversion rate", domain.ErrGatewayRejected)

// zeroDecimal: валюты без дробной части.
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "HUF": true, "TWD": true}

// RateTable: формат файла курсов:
//
//	settlement: EUR
//	rates:
//	  RSD: "0.0085"
//	  USD: "0.92"
//
// Курс означает стоимость одной единицы валюты в валюте расчётов.
type RateTable struct {
	Settlement string            `yaml:"settlement"`
	Rates      map[string]string `yaml:"rates"`
}

// DefaultRateTable используется, если файл курсов не задан.
func DefaultRateTable() RateTable {
	return RateTable{
		Settlement: "EUR",
		Rates: map[string]string{
			"RSD": "0.0085",
			"USD": "0.92",
			"GBP": "1.17",
		},
	}
}

// Converter пересчитывает суммы по фиксированному курсу.
// Результат детерминирован: одинаковый вход всегда даёт одинаковый выход.
type Converter struct {
	settlement string
	rates      map[string]decimal.Decimal
	logger     *log.Entry
}

// NewConverter проверяет таблицу и создаёт конвертер.
func NewConverter(table RateTable, logger *log.Entry) (*Converter, error) {
	if logger == nil {
		logger = log.WithField("component", "currency-converter")
	}
	settlement := strings.ToUpper(strings.TrimSpace(table.Settlement))
	if settlement == "" {
		return nil, errors.New("settlement currency is required")
	}

	rates := make(map[string]decimal.Decimal, len(table.Rates))
	for code, raw := range table.Rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("invalid rate %q for %s", raw, code)
		}
		rates[strings.ToUpper(code)] = rate
	}

	return &Converter{settlement: settlement, rates: rates, logger: logger}, nil
}

// LoadConverter читает таблицу курсов из YAML-файла.
func LoadConverter(path string, logger *log.Entry) (*Converter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate table: %w", err)
	}

	var table RateTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse rate table %s: %w", path, err)
	}
	return NewConverter(table, logger)
}

// Settlement возвращает валюту расчётов.
func (c *Converter) Settlement() string {
	return c.settlement
}

// Convert пересчитывает сумму в минорных единицах в валюту расчётов.
// Умножение точное, округление до минорной единицы: половина от нуля.
func (c *Converter) Convert(amountMinor int64, currency string) (int64, string, error) {
	from := strings.ToUpper(currency)
	if from == c.settlement {
		return amountMinor, c.settlement, nil
	}

	rate, ok := c.rates[from]
	if !ok {
		return 0, "", fmt.Errorf("%w: %s -> %s", ErrNoRate, from, c.settlement)
	}

	converted := decimal.New(amountMinor, -minorDigits(from)).
		Mul(rate).
		Shift(minorDigits(c.settlement)).
		Round(0).
		IntPart()

	c.logger.WithFields(log.Fields{
		"from":         from,
		"to":           c.settlement,
		"rate":         rate.String(),
		"amount_minor": amountMinor,
		"result_minor": converted,
	}).Info("amount converted to settlement currency")

	return converted, c.settlement, nil
}

// FormatMinor печатает сумму как десятичную строку провайдера: 1234 USD -> "12.34".
func FormatMinor(amountMinor int64, currency string) string {
	digits := minorDigits(strings.ToUpper(currency))
	return decimal.New(amountMinor, -digits).StringFixed(digits)
}

// minorDigits: число знаков после запятой в минорных единицах валюты.
func minorDigits(currency string) int32 {
	if zeroDecimal[currency] {
		return 0
	}
	return 2
}
