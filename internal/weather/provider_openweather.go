package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

// OpenWeatherProvider reads the OpenWeather current-weather API. Requires
// an API key; the configured units decide how responses are normalised.
type OpenWeatherProvider struct {
	client     *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewOpenWeatherProvider returns a provider for api.openweathermap.org.
func NewOpenWeatherProvider(logger *slog.Logger) *OpenWeatherProvider {
	return &OpenWeatherProvider{
		client:     &http.Client{Timeout: fetchTimeout},
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

// Name implements Provider.
func (p *OpenWeatherProvider) Name() string { return "openweather" }

// Fetch implements Provider.
func (p *OpenWeatherProvider) Fetch(ctx context.Context, settings *conf.Settings) (*Observation, error) {
	if settings.Weather.OpenWeather.APIKey == "" {
		return nil, errors.Newf("OpenWeather API key not configured").
			Component("weather").
			Category(errors.CategoryConfiguration).
			Context("provider", "openweather").
			Build()
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}

		obs, err := p.fetchOnce(ctx, settings)
		if err == nil {
			return obs, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("openweather fetch attempt failed",
			"attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (p *OpenWeatherProvider) fetchOnce(ctx context.Context, settings *conf.Settings) (*Observation, error) {
	ow := settings.Weather.OpenWeather
	units := ow.Units
	if units == "" {
		units = "metric"
	}
	// The URL carries the API key, so it never goes into errors or logs.
	url := fmt.Sprintf("%s?lat=%.3f&lon=%.3f&appid=%s&units=%s",
		ow.Endpoint, settings.Location.Latitude, settings.Location.Longitude,
		ow.APIKey, units)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, newWeatherError(err, "openweather", "build_request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, newWeatherError(err, "openweather", "fetch")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("OpenWeather returned status %d", resp.StatusCode).
			Component("weather").
			Category(errors.CategoryNetwork).
			Context("provider", "openweather").
			Context("status_code", resp.StatusCode).
			Build()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newWeatherError(err, "openweather", "read_body")
	}

	var decoded openWeatherResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New(err).
			Component("weather").
			Category(errors.CategoryGeneric).
			Context("provider", "openweather").
			Context("operation", "parse").
			Build()
	}
	if len(decoded.Weather) == 0 {
		return nil, errors.Newf("no weather conditions returned").
			Component("weather").
			Category(errors.CategoryGeneric).
			Context("provider", "openweather").
			Build()
	}

	return observationFromOpenWeather(&decoded, units), nil
}

func observationFromOpenWeather(resp *openWeatherResponse, units string) *Observation {
	obs := &Observation{
		Time:          time.Unix(resp.Dt, 0).UTC(),
		TemperatureC:  temperatureCelsius(resp.Main.Temp, units),
		Humidity:      resp.Main.Humidity,
		PressureHPa:   resp.Main.Pressure,
		WindSpeedMS:   windMetersPerSecond(resp.Wind.Speed, units),
		WindDirection: resp.Wind.Deg,
		CloudCover:    resp.Clouds.All,
		Visibility:    resp.Visibility,
	}

	if resp.Rain != nil {
		rain := resp.Rain.OneHour
		obs.Rain = &rain
	}
	if resp.Snow != nil {
		snow := resp.Snow.OneHour
		obs.Snow = &snow
	}
	if obs.Rain != nil || obs.Snow != nil {
		var total float64
		if obs.Rain != nil {
			total += *obs.Rain
		}
		if obs.Snow != nil {
			total += *obs.Snow
		}
		obs.Precipitation = &total
	}
	return obs
}

func temperatureCelsius(t *float64, units string) *float64 {
	if t == nil {
		return nil
	}
	v := *t
	switch units {
	case "imperial":
		v = fahrenheitToCelsius(v)
	case "standard":
		v = kelvinToCelsius(v)
	}
	return &v
}

func windMetersPerSecond(w *float64, units string) *float64 {
	if w == nil {
		return nil
	}
	v := *w
	if units == "imperial" {
		v = milesPerHourToMetersPerSecond(v)
	}
	return &v
}

type openWeatherResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All *float64 `json:"all"`
	} `json:"clouds"`
	Rain *struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Snow *struct {
		OneHour float64 `json:"1h"`
	} `json:"snow"`
	Visibility *float64 `json:"visibility"`
	Dt         int64    `json:"dt"`
}
