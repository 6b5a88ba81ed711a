package weather

import (
	"compress/gzip"
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

const yrNoEndpoint = "https://api.met.no/weatherapi/locationforecast/2.0/complete"

// YrNoProvider reads the met.no locationforecast API. No key required;
// met.no instead insists on an identifying User-Agent and rewards
// If-Modified-Since with 304s.
type YrNoProvider struct {
	client       *http.Client
	lastModified string
	retryDelay   time.Duration
	logger       *slog.Logger
}

// NewYrNoProvider returns a provider for api.met.no.
func NewYrNoProvider(logger *slog.Logger) *YrNoProvider {
	return &YrNoProvider{
		client:     &http.Client{Timeout: fetchTimeout},
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

// Name implements Provider.
func (p *YrNoProvider) Name() string { return "yrno" }

// Fetch implements Provider. Not safe for concurrent use; the poll loop
// is the single caller.
func (p *YrNoProvider) Fetch(ctx context.Context, settings *conf.Settings) (*Observation, error) {
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
		if errors.Is(err, ErrNotModified) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("yr.no fetch attempt failed",
			"attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (p *YrNoProvider) fetchOnce(ctx context.Context, settings *conf.Settings) (*Observation, error) {
	url := fmt.Sprintf("%s?lat=%.3f&lon=%.3f",
		yrNoEndpoint, settings.Location.Latitude, settings.Location.Longitude)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, newWeatherError(err, "yrno", "build_request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	// Explicit Accept-Encoding disables Go's transparent decompression,
	// so the gzip branch below handles the body ourselves.
	req.Header.Set("Accept-Encoding", "gzip")
	if p.lastModified != "" {
		req.Header.Set("If-Modified-Since", p.lastModified)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, newWeatherError(err, "yrno", "fetch")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("yr.no returned status %d", resp.StatusCode).
			Component("weather").
			Category(errors.CategoryNetwork).
			Context("provider", "yrno").
			Context("status_code", resp.StatusCode).
			Build()
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, newWeatherError(err, "yrno", "decompress")
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, newWeatherError(err, "yrno", "read_body")
	}

	var decoded yrResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New(err).
			Component("weather").
			Category(errors.CategoryGeneric).
			Context("provider", "yrno").
			Context("operation", "parse").
			Build()
	}
	if len(decoded.Properties.Timeseries) == 0 {
		return nil, errors.Newf("yr.no returned empty timeseries").
			Component("weather").
			Category(errors.CategoryGeneric).
			Context("provider", "yrno").
			Build()
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		p.lastModified = lm
	}

	return observationFromYr(&decoded.Properties.Timeseries[0]), nil
}

func observationFromYr(entry *yrTimeseries) *Observation {
	details := entry.Data.Instant.Details
	obs := &Observation{
		Time:          entry.Time,
		TemperatureC:  details.AirTemperature,
		Humidity:      details.RelativeHumidity,
		PressureHPa:   details.AirPressureAtSeaLevel,
		WindSpeedMS:   details.WindSpeed,
		WindDirection: details.WindFromDirection,
		CloudCover:    details.CloudAreaFraction,
		UVIndex:       details.UltravioletIndexClearSky,
	}
	if entry.Data.Next1Hours != nil {
		obs.Precipitation = entry.Data.Next1Hours.Details.PrecipitationAmount
	}
	return obs
}

type yrResponse struct {
	Properties struct {
		Timeseries []yrTimeseries `json:"timeseries"`
	} `json:"properties"`
}

type yrTimeseries struct {
	Time time.Time `json:"time"`
	Data struct {
		Instant struct {
			Details yrInstantDetails `json:"details"`
		} `json:"instant"`
		Next1Hours *struct {
			Details struct {
				PrecipitationAmount *float64 `json:"precipitation_amount"`
			} `json:"details"`
		} `json:"next_1_hours"`
	} `json:"data"`
}

type yrInstantDetails struct {
	AirTemperature           *float64 `json:"air_temperature"`
	RelativeHumidity         *float64 `json:"relative_humidity"`
	AirPressureAtSeaLevel    *float64 `json:"air_pressure_at_sea_level"`
	WindSpeed                *float64 `json:"wind_speed"`
	WindFromDirection        *float64 `json:"wind_from_direction"`
	CloudAreaFraction        *float64 `json:"cloud_area_fraction"`
	UltravioletIndexClearSky *float64 `json:"ultraviolet_index_clear_sky"`
}
