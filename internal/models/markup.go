package models

// MarkupSettings holds the multiplicative pricing chain applied on top of
// provider cost prices. A single row is expected; admins mutate it through
// the settings endpoints.
type MarkupSettings struct {
	BaseModel
	BaseMarkup   float64 `json:"base_markup"`
	StarsMarkup  float64 `json:"stars_markup"`
	CardMarkup   float64 `json:"card_markup"`
	CryptoMarkup float64 `json:"crypto_markup"`
}

// MethodMarkup returns the multiplier for a payment method, defaulting to 1.
func (m *MarkupSettings) MethodMarkup(method string) float64 {
	var v float64
	switch method {
	case PaymentMethodStars:
		v = m.StarsMarkup
	case PaymentMethodCard:
		v = m.CardMarkup
	case PaymentMethodCrypto:
		v = m.CryptoMarkup
	}
	if v <= 0 {
		return 1
	}
	return v
}

// CountryMarkup is a per-country percentage surcharge: Percent 10 means
// prices for that country are multiplied by 1.10.
type CountryMarkup struct {
	BaseModel
	CountryCode string  `gorm:"uniqueIndex" json:"country_code"`
	Percent     float64 `json:"percent"`
}
