package sight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Geocoder names what is at a coordinate. Implementations may fail per call;
// callers treat a failure as "nothing here".
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error)
}

// GeocoderFunc adapts a function to the Geocoder interface
type GeocoderFunc func(ctx context.Context, lat, lng float64) (*GeocodeResult, error)

func (f GeocoderFunc) ReverseGeocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	return f(ctx, lat, lng)
}

type kakaoAddressResponse struct {
	Documents []struct {
		RoadAddress *struct {
			AddressName  string `json:"address_name"`
			BuildingName string `json:"building_name"`
		} `json:"road_address"`
		Address *struct {
			AddressName string `json:"address_name"`
		} `json:"address"`
	} `json:"documents"`
}

type kakaoRegionResponse struct {
	Documents []struct {
		RegionType string `json:"region_type"`
		Code       string `json:"code"`
	} `json:"documents"`
}

// KakaoGeocoder reverse-geocodes through the Kakao Local API
type KakaoGeocoder struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewKakaoGeocoder creates a geocoder client
func NewKakaoGeocoder(cfg GeocoderConfig, logger *zap.Logger) *KakaoGeocoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(1 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", "KakaoAK "+cfg.APIKey)

	return &KakaoGeocoder{httpClient: client, logger: logger}
}

// ReverseGeocode resolves building name and addresses, then region codes.
// A region-code failure does not discard an address that was found.
func (g *KakaoGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	x := strconv.FormatFloat(lng, 'f', -1, 64)
	y := strconv.FormatFloat(lat, 'f', -1, 64)

	var addr kakaoAddressResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"x": x, "y": y}).
		SetResult(&addr).
		Get("/v2/local/geo/coord2address.json")
	if err != nil {
		return nil, fmt.Errorf("coord2address request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("coord2address returned status %d", resp.StatusCode())
	}

	result := &GeocodeResult{}
	if len(addr.Documents) > 0 {
		doc := addr.Documents[0]
		if doc.RoadAddress != nil {
			result.BuildingName = doc.RoadAddress.BuildingName
			result.RoadAddress = doc.RoadAddress.AddressName
		}
		if doc.Address != nil {
			result.Address = doc.Address.AddressName
		}
	}

	var region kakaoRegionResponse
	resp, err = g.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"x": x, "y": y}).
		SetResult(&region).
		Get("/v2/local/geo/coord2regioncode.json")
	switch {
	case err != nil:
		g.logger.Debug("coord2regioncode failed", zap.Error(err))
	case resp.IsError():
		g.logger.Debug("coord2regioncode returned error", zap.Int("status_code", resp.StatusCode()))
	default:
		for _, d := range region.Documents {
			if d.Code != "" {
				result.RegionCodes = append(result.RegionCodes, d.Code)
			}
		}
	}

	return result, nil
}

// CachedGeocoder is a Redis read-through cache in front of another geocoder.
// Probes a few metres apart collapse onto the same key after rounding.
type CachedGeocoder struct {
	inner  Geocoder
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewCachedGeocoder wraps inner with a Redis cache
func NewCachedGeocoder(inner Geocoder, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedGeocoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedGeocoder{inner: inner, redis: client, ttl: ttl, prefix: "sightline:geocode:", logger: logger}
}

// NewRedisClient creates a Redis client for the geocode cache
func NewRedisClient(cfg CacheConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

// cacheKey rounds to 5 decimals (about 1.1 m of latitude)
func (c *CachedGeocoder) cacheKey(lat, lng float64) string {
	round := func(v float64) float64 { return math.Round(v*1e5) / 1e5 }
	return fmt.Sprintf("%s%.5f,%.5f", c.prefix, round(lat), round(lng))
}

func (c *CachedGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	key := c.cacheKey(lat, lng)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached GeocodeResult
		if jerr := json.Unmarshal(data, &cached); jerr == nil {
			return &cached, nil
		}
		c.logger.Debug("Discarding undecodable geocode cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("Geocode cache read failed", zap.String("key", key), zap.Error(err))
	}

	result, err := c.inner.ReverseGeocode(ctx, lat, lng)
	if err != nil {
		return nil, err
	}

	if payload, jerr := json.Marshal(result); jerr == nil {
		if serr := c.redis.Set(ctx, key, payload, c.ttl).Err(); serr != nil {
			c.logger.Warn("Geocode cache write failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return result, nil
}
