package weather

import (
	"time"

	"github.com/avibox/avibox/internal/errors"
)

const (
	// fetchTimeout bounds one provider round trip including retries.
	fetchTimeout = 15 * time.Second

	// userAgent identifies the appliance to provider APIs. api.met.no
	// rejects requests without one.
	userAgent = "avibox https://github.com/avibox/avibox"

	// maxRetries is the attempt budget per fetch.
	maxRetries = 3

	// defaultRetryDelay separates attempts. Providers carry it as a
	// field so tests can shrink it.
	defaultRetryDelay = 2 * time.Second
)

// ErrNotModified reports that the provider's data has not changed since
// the previous fetch. The poll loop treats it as a clean no-op.
var ErrNotModified = errors.NewStd("weather data not modified")

func newWeatherError(err error, provider, op string) error {
	return errors.New(err).
		Component("weather").
		Category(errors.CategoryNetwork).
		Context("provider", provider).
		Context("operation", op).
		Build()
}

func kelvinToCelsius(k float64) float64 {
	return k - 273.15
}

func fahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

func milesPerHourToMetersPerSecond(mph float64) float64 {
	return mph * 0.44704
}
