package weather

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

const yrEndpointPattern = `=~^https://api\.met\.no/weatherapi/locationforecast/2\.0/complete`

const yrSampleBody = `{
	"properties": {
		"timeseries": [
			{
				"time": "2024-05-15T06:00:00Z",
				"data": {
					"instant": {
						"details": {
							"air_temperature": 12.3,
							"relative_humidity": 71.2,
							"air_pressure_at_sea_level": 1013.2,
							"wind_speed": 3.4,
							"wind_from_direction": 210.0,
							"cloud_area_fraction": 45.5,
							"ultraviolet_index_clear_sky": 2.1
						}
					},
					"next_1_hours": {
						"summary": {"symbol_code": "partlycloudy_day"},
						"details": {"precipitation_amount": 0.2}
					}
				}
			}
		]
	}
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func yrTestSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Location.Latitude = 60.1699
	s.Location.Longitude = 24.9384
	s.Weather.Provider = "yrno"
	return s
}

func fastYrProvider() *YrNoProvider {
	p := NewYrNoProvider(discardLogger())
	p.retryDelay = time.Millisecond
	return p
}

func TestYrNoFetchParsesObservation(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	var gotUserAgent string
	httpmock.RegisterResponder(http.MethodGet, yrEndpointPattern,
		func(req *http.Request) (*http.Response, error) {
			gotUserAgent = req.Header.Get("User-Agent")
			return httpmock.NewStringResponse(http.StatusOK, yrSampleBody), nil
		})

	p := fastYrProvider()
	obs, err := p.Fetch(t.Context(), yrTestSettings())
	require.NoError(t, err)
	require.NotNil(t, obs)

	assert.Equal(t, userAgent, gotUserAgent)
	assert.Equal(t, time.Date(2024, 5, 15, 6, 0, 0, 0, time.UTC), obs.Time.UTC())

	require.NotNil(t, obs.TemperatureC)
	assert.InDelta(t, 12.3, *obs.TemperatureC, 0.001)
	require.NotNil(t, obs.Humidity)
	assert.InDelta(t, 71.2, *obs.Humidity, 0.001)
	require.NotNil(t, obs.PressureHPa)
	assert.InDelta(t, 1013.2, *obs.PressureHPa, 0.001)
	require.NotNil(t, obs.WindSpeedMS)
	assert.InDelta(t, 3.4, *obs.WindSpeedMS, 0.001)
	require.NotNil(t, obs.WindDirection)
	assert.InDelta(t, 210.0, *obs.WindDirection, 0.001)
	require.NotNil(t, obs.CloudCover)
	assert.InDelta(t, 45.5, *obs.CloudCover, 0.001)
	require.NotNil(t, obs.UVIndex)
	assert.InDelta(t, 2.1, *obs.UVIndex, 0.001)
	require.NotNil(t, obs.Precipitation)
	assert.InDelta(t, 0.2, *obs.Precipitation, 0.001)

	assert.Nil(t, obs.Rain)
	assert.Nil(t, obs.Snow)
	assert.Nil(t, obs.Visibility)
}

func TestYrNoFetchHonorsNotModified(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	const lastModified = "Wed, 15 May 2024 06:00:00 GMT"
	httpmock.RegisterResponder(http.MethodGet, yrEndpointPattern,
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("If-Modified-Since") == lastModified {
				return httpmock.NewStringResponse(http.StatusNotModified, ""), nil
			}
			resp := httpmock.NewStringResponse(http.StatusOK, yrSampleBody)
			resp.Header.Set("Last-Modified", lastModified)
			return resp, nil
		})

	p := fastYrProvider()

	obs, err := p.Fetch(t.Context(), yrTestSettings())
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, lastModified, p.lastModified)

	obs, err = p.Fetch(t.Context(), yrTestSettings())
	require.ErrorIs(t, err, ErrNotModified)
	assert.Nil(t, obs)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestYrNoFetchRetriesServerErrors(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, yrEndpointPattern,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	p := fastYrProvider()
	obs, err := p.Fetch(t.Context(), yrTestSettings())
	require.Error(t, err)
	assert.Nil(t, obs)
	assert.True(t, errors.HasCategory(err, errors.CategoryNetwork))
	assert.Equal(t, maxRetries, httpmock.GetTotalCallCount())
}

func TestYrNoFetchRejectsEmptyTimeseries(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, yrEndpointPattern,
		httpmock.NewStringResponder(http.StatusOK, `{"properties":{"timeseries":[]}}`))

	p := fastYrProvider()
	_, err := p.Fetch(t.Context(), yrTestSettings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty timeseries")
}

func TestYrNoFetchDecompressesGzip(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(yrSampleBody))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	httpmock.RegisterResponder(http.MethodGet, yrEndpointPattern,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "gzip", req.Header.Get("Accept-Encoding"))
			resp := httpmock.NewBytesResponse(http.StatusOK, buf.Bytes())
			resp.Header.Set("Content-Encoding", "gzip")
			return resp, nil
		})

	p := fastYrProvider()
	obs, err := p.Fetch(t.Context(), yrTestSettings())
	require.NoError(t, err)
	require.NotNil(t, obs.TemperatureC)
	assert.InDelta(t, 12.3, *obs.TemperatureC, 0.001)
}
