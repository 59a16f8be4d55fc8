package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	PatientKeyPrefix      = "patient:%d"
	PatientChannelPrefix  = "notifications:patient:%d"
	PatientChannelPattern = "notifications:patient:*"
	ReconcileQueueKey     = "consent:reconcile"
	ReconcileInFlightKey  = "consent:reconcile:processing"
	PatientProfileTTL     = 5 * time.Minute
)

func PatientKey(patientID uint) string {
	return fmt.Sprintf(PatientKeyPrefix, patientID)
}

func PatientChannel(patientID uint) string {
	return fmt.Sprintf(PatientChannelPrefix, patientID)
}

// GetJSON loads key into dest. It reports false on a miss, when redis is not
// configured, or when the cached value cannot be decoded.
func GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if client == nil {
		return false, nil
	}
	raw, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		client.Del(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON stores value under key with ttl. No-op without redis.
func SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if client == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, raw, ttl).Err()
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

func InvalidatePatient(ctx context.Context, patientID uint) {
	Invalidate(ctx, PatientKey(patientID))
}
