package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo on Redis GEO commands plus a metadata hash per
// driver. Suitable when multiple instances share the index.
type RedisGeo struct {
	client    *redis.Client
	key       string
	freshness time.Duration
	now       func() time.Time
}

func NewRedisGeo(addr, password, key string, freshness time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if freshness <= 0 {
		freshness = 2 * time.Minute
	}
	return &RedisGeo{client: c, key: key, freshness: freshness, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverAvailability) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID,
	}).Result(); err != nil {
		return err
	}
	ts := d.UpdatedAt
	if ts.IsZero() {
		ts = r.now()
	}
	return r.client.HSet(ctx, metaKey(d.DriverID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"online":  strconv.FormatBool(d.Online),
		"updated": ts.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) SetBusy(ctx context.Context, driverID string, busy bool) error {
	return r.client.HSet(ctx, metaKey(driverID), "busy", strconv.FormatBool(busy)).Err()
}

// Nearby queries GEORADIUS (Redis handles the coarse spatial filter) and
// applies the online/busy/freshness checks from the metadata hashes. The
// over-fetch factor leaves room for candidates the metadata filter drops.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.Candidate, error) {
	fetch := limit * 3
	if fetch <= 0 {
		fetch = 30
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: fetch, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-r.freshness)
	out := make([]models.Candidate, 0, limit)
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if meta["online"] != "true" || meta["busy"] == "true" {
			continue
		}
		if v, ok := meta["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil && ts.Before(cutoff) {
				continue
			}
		}
		c := models.Candidate{
			DriverID:   g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		}
		if v, ok := meta["rating"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				c.Rating = f
			}
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
